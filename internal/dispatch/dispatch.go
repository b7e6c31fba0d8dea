// Package dispatch routes v1 commands and v2 methods to registered handlers
// and applies the focus-mutation policy around each call.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/g960059/cmuxctl/internal/api"
	"github.com/g960059/cmuxctl/internal/domain"
	"github.com/g960059/cmuxctl/internal/focus"
	"github.com/g960059/cmuxctl/internal/mainloop"
	"github.com/g960059/cmuxctl/internal/model"
	"github.com/g960059/cmuxctl/internal/webview"
	"github.com/g960059/cmuxctl/internal/wire"
)

// HandlerFunc serves one v2 method. The result is encoded as the response
// result object.
type HandlerFunc func(ctx context.Context, p Params) (any, error)

// V1Func serves one v1 command and returns the reply line without its
// newline, e.g. "OK workspace:2" or "PONG".
type V1Func func(ctx context.Context, cmd wire.Command) (string, error)

// FocusMethods may change focus when invoked directly. Those taking a focus
// param only do so when it is true.
var FocusMethods = map[string]bool{
	"window.focus":             true,
	"workspace.select":         true,
	"workspace.next":           true,
	"workspace.previous":       true,
	"workspace.last":           true,
	"workspace.move_to_window": true,
	"pane.focus":               true,
	"pane.last":                true,
	"pane.swap":                true,
	"pane.break":               true,
	"pane.join":                true,
	"surface.focus":            true,
	"surface.move":             true,
	"browser.focus_webview":    true,
}

// FocusCommands is the v1 counterpart of FocusMethods.
var FocusCommands = map[string]bool{
	"select_workspace": true,
	"focus_surface":    true,
	"focus_window":     true,
	"focus_pane":       true,
}

// Event describes one completed top-level request.
type Event struct {
	Protocol string
	Method   string
	Params   string
	Code     string
	Duration time.Duration
}

type Registry struct {
	v2     map[string]HandlerFunc
	v1     map[string]V1Func
	logger *slog.Logger

	// BeforeHandle runs before every top-level request. An error aborts the
	// request.
	BeforeHandle func(ctx context.Context) error
	// Observe sees every top-level request after it completes.
	Observe func(ctx context.Context, ev Event)
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		v2:     make(map[string]HandlerFunc),
		v1:     make(map[string]V1Func),
		logger: logger,
	}
}

// HandleV2 registers fn for method. Registering a method twice panics.
func (r *Registry) HandleV2(method string, fn HandlerFunc) {
	if _, exists := r.v2[method]; exists {
		panic(fmt.Sprintf("dispatch: duplicate method %q", method))
	}
	r.v2[method] = fn
}

// HandleV1 registers fn for a lowercase command name. Registering a name
// twice panics.
func (r *Registry) HandleV1(name string, fn V1Func) {
	name = strings.ToLower(name)
	if _, exists := r.v1[name]; exists {
		panic(fmt.Sprintf("dispatch: duplicate command %q", name))
	}
	r.v1[name] = fn
}

func (r *Registry) HasMethod(method string) bool {
	_, ok := r.v2[method]
	return ok
}

func (r *Registry) Methods() []string {
	out := make([]string, 0, len(r.v2))
	for m := range r.v2 {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Commands() []string {
	out := make([]string, 0, len(r.v1))
	for c := range r.v1 {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// DispatchV2 runs a decoded request and always returns an envelope.
func (r *Registry) DispatchV2(ctx context.Context, req api.Request) api.Response {
	start := time.Now()
	params := NewParams(req.Params)
	result, err := r.top(ctx, FocusMethods[req.Method], func(ctx context.Context) (any, error) {
		fn, ok := r.v2[req.Method]
		if !ok {
			return nil, model.Errorf(model.ErrMethodNotFound, "unknown method %q", req.Method)
		}
		return fn(ctx, params)
	})
	perr := ToError(err)
	r.observe(ctx, "v2", req.Method, string(params.Raw()), perr, start)
	if perr != nil {
		r.logger.Debug("request failed", "method", req.Method, "code", perr.Code, "error", perr.Message)
		return api.Failure(req.ID, perr.Code, perr.Message, perr.Data)
	}
	return api.Success(req.ID, result)
}

// DispatchV1 runs a v1 command and returns the full reply line.
func (r *Registry) DispatchV1(ctx context.Context, cmd wire.Command) []byte {
	start := time.Now()
	var reply string
	_, err := r.top(ctx, FocusCommands[cmd.Name], func(ctx context.Context) (any, error) {
		fn, ok := r.v1[cmd.Name]
		if !ok {
			return nil, model.Errorf(model.ErrMethodNotFound, "Unknown command '%s'", cmd.Name)
		}
		var err error
		reply, err = fn(ctx, cmd)
		return nil, err
	})
	perr := ToError(err)
	r.observe(ctx, "v1", cmd.Name, cmd.Rest, perr, start)
	if perr != nil {
		r.logger.Debug("command failed", "command", cmd.Name, "code", perr.Code, "error", perr.Message)
		return wire.V1Error(perr.Message)
	}
	return wire.V1Raw(reply)
}

func (r *Registry) top(ctx context.Context, allowed bool, fn func(context.Context) (any, error)) (any, error) {
	ctx, release := focus.Enter(ctx, allowed)
	defer release()
	if r.BeforeHandle != nil && focus.Depth(ctx) == 1 {
		if err := r.BeforeHandle(ctx); err != nil {
			return nil, err
		}
	}
	return invoke(ctx, fn)
}

func (r *Registry) observe(ctx context.Context, protocol, method, params string, perr *model.Error, start time.Time) {
	if r.Observe == nil {
		return
	}
	ev := Event{Protocol: protocol, Method: method, Params: params, Duration: time.Since(start)}
	if perr != nil {
		ev.Code = perr.Code
	}
	r.Observe(ctx, ev)
}

// Call invokes another v2 handler from inside a handler. The callee inherits
// the caller's focus policy.
func (r *Registry) Call(ctx context.Context, method string, params any) (any, error) {
	fn, ok := r.v2[method]
	if !ok {
		return nil, model.Errorf(model.ErrMethodNotFound, "unknown method %q", method)
	}
	p, err := ParamsOf(params)
	if err != nil {
		return nil, err
	}
	ctx, release := focus.Enter(ctx, false)
	defer release()
	return invoke(ctx, func(ctx context.Context) (any, error) { return fn(ctx, p) })
}

// CallMap is Call for handlers whose result is a JSON object.
func (r *Registry) CallMap(ctx context.Context, method string, params any) (map[string]any, error) {
	res, err := r.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if m, ok := res.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, model.Errorf(model.ErrEncode, "encode result: %v", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, model.Errorf(model.ErrInternal, "%s did not return an object", method)
	}
	return out, nil
}

func invoke(ctx context.Context, fn func(context.Context) (any, error)) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = model.Errorf(model.ErrInternal, "handler panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// ToError converts any handler error into a protocol error.
func ToError(err error) *model.Error {
	if err == nil {
		return nil
	}
	var pe *model.Error
	if errors.As(err, &pe) {
		return pe
	}
	var se *webview.ScriptError
	switch {
	case errors.As(err, &se):
		return model.Errorf(model.ErrJSError, "%s", se.Message)
	case errors.Is(err, domain.ErrNotFound):
		return model.Errorf(model.ErrNotFound, "%v", err)
	case errors.Is(err, domain.ErrInvalidState):
		return model.Errorf(model.ErrInvalidState, "%v", err)
	case errors.Is(err, webview.ErrUnavailable), errors.Is(err, mainloop.ErrStopped):
		return model.Errorf(model.ErrUnavailable, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return model.Errorf(model.ErrTimeout, "%v", err)
	default:
		return model.Errorf(model.ErrInternal, "%v", err)
	}
}
