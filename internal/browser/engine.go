// Package browser implements browser automation on top of a content view that
// only offers navigation and script evaluation.
package browser

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/g960059/cmuxctl/internal/config"
	"github.com/g960059/cmuxctl/internal/model"
	"github.com/g960059/cmuxctl/internal/webview"
)

// Engine owns per-surface automation state: element refs, frame scope,
// dialog queues, telemetry buffers and the unsupported-call log.
type Engine struct {
	host   webview.Host
	cfg    config.BrowserConfig
	logger *slog.Logger

	mu       sync.Mutex
	surfaces map[uuid.UUID]*surfaceState
	elements map[int]elementRef
	nextElem int
}

type surfaceState struct {
	frame       string
	dialogs     *ring[Dialog]
	console     *ring[ConsoleEntry]
	errors      *ring[ErrorEntry]
	unsupported *ring[UnsupportedCall]
}

func New(host webview.Host, cfg config.BrowserConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		host:     host,
		cfg:      cfg,
		logger:   logger,
		surfaces: make(map[uuid.UUID]*surfaceState),
		elements: make(map[int]elementRef),
	}
}

// state returns the surface state, creating it on first use. Callers hold e.mu.
func (e *Engine) stateLocked(surface uuid.UUID) *surfaceState {
	st, ok := e.surfaces[surface]
	if !ok {
		st = &surfaceState{
			dialogs:     newRing[Dialog](e.cfg.DialogQueueLimit),
			console:     newRing[ConsoleEntry](e.cfg.TelemetryLimit),
			errors:      newRing[ErrorEntry](e.cfg.TelemetryLimit),
			unsupported: newRing[UnsupportedCall](e.cfg.UnsupportedLogLimit),
		}
		e.surfaces[surface] = st
	}
	return st
}

func (e *Engine) withState(surface uuid.UUID, fn func(st *surfaceState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.stateLocked(surface))
}

func (e *Engine) frame(surface uuid.UUID) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.surfaces[surface]; ok {
		return st.frame
	}
	return ""
}

// Forget drops everything known about a closed surface, including its
// element refs.
func (e *Engine) Forget(surface uuid.UUID) {
	e.mu.Lock()
	delete(e.surfaces, surface)
	for n, ref := range e.elements {
		if ref.surface == surface {
			delete(e.elements, n)
		}
	}
	e.mu.Unlock()
	if err := e.host.Detach(surface); err != nil {
		e.logger.Debug("detach content view", "surface_id", surface, "error", err)
	}
}

func (e *Engine) view(surface uuid.UUID) (webview.View, error) {
	v, ok := e.host.View(surface)
	if !ok {
		return nil, model.Errorf(model.ErrUnavailable, "no content view attached to surface %s", surface)
	}
	return v, nil
}

// eval runs one script op and returns the parsed result object. Failures
// reported by the script itself come back as a non-nil result with ok=false;
// err is reserved for evaluation failures.
func (e *Engine) eval(ctx context.Context, surface uuid.UUID, op, frame string, args map[string]any) (gjson.Result, error) {
	v, err := e.view(surface)
	if err != nil {
		return gjson.Result{}, err
	}
	script, err := buildScript(op, frame, args)
	if err != nil {
		return gjson.Result{}, model.Errorf(model.ErrInternal, "%v", err)
	}
	evalCtx, cancel := context.WithTimeout(ctx, e.cfg.ScriptTimeout)
	defer cancel()
	raw, err := v.Evaluate(evalCtx, script)
	if err != nil {
		return gjson.Result{}, evalError(err, e.cfg.ScriptTimeout)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, model.Errorf(model.ErrJSError, "script returned invalid JSON")
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() || !res.Get("ok").Exists() {
		return gjson.Result{}, model.Errorf(model.ErrJSError, "script returned an unexpected value: %s", truncate(res.Raw, 200))
	}
	return res, nil
}

func evalError(err error, timeout time.Duration) error {
	var scriptErr *webview.ScriptError
	switch {
	case errors.As(err, &scriptErr):
		return model.Errorf(model.ErrJSError, "%s", scriptErr.Message)
	case errors.Is(err, context.DeadlineExceeded):
		return model.Errorf(model.ErrJSError, "script timed out after %s", timeout)
	case errors.Is(err, webview.ErrUnavailable):
		return model.Errorf(model.ErrUnavailable, "%v", err)
	default:
		var pe *model.Error
		if errors.As(err, &pe) {
			return pe
		}
		return model.Errorf(model.ErrJSError, "%v", err)
	}
}

// check evaluates op and converts an ok=false result into a protocol error.
func (e *Engine) check(ctx context.Context, surface uuid.UUID, op, frame string, args map[string]any) (gjson.Result, error) {
	res, err := e.eval(ctx, surface, op, frame, args)
	if err != nil {
		return res, err
	}
	if !res.Get("ok").Bool() {
		return res, scriptFailure(res)
	}
	return res, nil
}

func scriptFailure(res gjson.Result) *model.Error {
	reason := res.Get("error").String()
	msg := res.Get("message").String()
	if msg == "" {
		msg = reason
	}
	switch reason {
	case "not_found", "frame_not_found":
		return model.Errorf(model.ErrNotFound, "%s", msg)
	case "frame_cross_origin":
		return model.Errorf(model.ErrNotSupported, "%s", msg)
	case "invalid", "invalid_selector":
		return model.Errorf(model.ErrInvalidParams, "%s", msg)
	case "js_error":
		return model.Errorf(model.ErrJSError, "%s", msg)
	default:
		return model.Errorf(model.ErrInvalidState, "%s", msg)
	}
}

// sleep waits d or until ctx is done, without holding any lock.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func resultValue(res gjson.Result) any {
	return res.Value()
}

func surfaceResult(surface uuid.UUID, extra map[string]any) map[string]any {
	out := map[string]any{"surface_id": surface.String()}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func requireText(name, v string) error {
	if v == "" {
		return model.InvalidParams("%s is required", name)
	}
	return nil
}
