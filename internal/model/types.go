package model

import (
	"errors"
	"fmt"
)

// Kind identifies an entity class in the workspace tree.
type Kind string

const (
	KindWindow    Kind = "window"
	KindWorkspace Kind = "workspace"
	KindPane      Kind = "pane"
	KindSurface   Kind = "surface"
)

// Kinds lists every ref-bearing kind in tree order.
var Kinds = []Kind{KindWindow, KindWorkspace, KindPane, KindSurface}

func ParseKind(raw string) (Kind, bool) {
	switch Kind(raw) {
	case KindWindow, KindWorkspace, KindPane, KindSurface:
		return Kind(raw), true
	default:
		return "", false
	}
}

type SurfaceType string

const (
	SurfaceTerminal SurfaceType = "terminal"
	SurfaceBrowser  SurfaceType = "browser"
)

type SplitDirection string

const (
	SplitLeft  SplitDirection = "left"
	SplitRight SplitDirection = "right"
	SplitUp    SplitDirection = "up"
	SplitDown  SplitDirection = "down"
)

func ParseSplitDirection(raw string) (SplitDirection, bool) {
	switch SplitDirection(raw) {
	case SplitLeft, SplitRight, SplitUp, SplitDown:
		return SplitDirection(raw), true
	default:
		return "", false
	}
}

// AccessMode controls who may connect to the control socket.
type AccessMode string

const (
	AccessOff      AccessMode = "off"
	AccessCmuxOnly AccessMode = "cmuxOnly"
	AccessPassword AccessMode = "password"
	AccessAllowAll AccessMode = "allowAll"
)

func ParseAccessMode(raw string) (AccessMode, bool) {
	switch AccessMode(raw) {
	case AccessOff, AccessCmuxOnly, AccessPassword, AccessAllowAll:
		return AccessMode(raw), true
	default:
		return "", false
	}
}

// Error codes defined by the socket protocol contract.
const (
	ErrInvalidParams    = "invalid_params"
	ErrNotFound         = "not_found"
	ErrInvalidState     = "invalid_state"
	ErrUnavailable      = "unavailable"
	ErrAuthRequired     = "auth_required"
	ErrAuthFailed       = "auth_failed"
	ErrAuthUnconfigured = "auth_unconfigured"
	ErrJSError          = "js_error"
	ErrTimeout          = "timeout"
	ErrNotSupported     = "not_supported"
	ErrInternal         = "internal_error"
	ErrMethodNotFound   = "method_not_found"
	ErrParse            = "parse_error"
	ErrInvalidRequest   = "invalid_request"
	ErrEncode           = "encode_error"
)

// Error is a protocol-level failure carrying a stable code and optional
// structured data for the caller.
type Error struct {
	Code    string
	Message string
	Data    any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func Errorf(code string, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) WithData(data any) *Error {
	clone := *e
	clone.Data = data
	return &clone
}

func InvalidParams(format string, args ...any) *Error {
	return Errorf(ErrInvalidParams, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return Errorf(ErrNotFound, format, args...)
}

func NotSupported(format string, args ...any) *Error {
	return Errorf(ErrNotSupported, format, args...)
}

// CodeOf returns the protocol code carried by err, or "" when err is not
// a protocol error.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
