// Package webview abstracts the embedded web-content view attached to a
// browser surface.
package webview

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrUnavailable = errors.New("webview: content view unavailable")

// ScriptError is a script that threw or failed to evaluate. Message is the
// engine's text, passed through verbatim.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string {
	return "script error: " + e.Message
}

type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Session  bool    `json:"session_only"`
	Expires  float64 `json:"expires,omitempty"`
}

// View is one content view. Evaluate runs an expression, awaits it when it
// is a promise, and returns the JSON encoding of the value.
type View interface {
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Reload(ctx context.Context) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, script string) ([]byte, error)

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookie(ctx context.Context, c Cookie) error
	DeleteCookie(ctx context.Context, name, domain, path string) error
	ClearCookies(ctx context.Context) error

	Focus(ctx context.Context) error
	Focused() bool
}

// Host attaches content views to browser surfaces.
type Host interface {
	Attach(ctx context.Context, surfaceID uuid.UUID, url string) (View, error)
	View(surfaceID uuid.UUID) (View, bool)
	Detach(surfaceID uuid.UUID) error
	Close() error
}
