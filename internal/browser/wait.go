package browser

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/model"
)

// Wait condition kinds.
const (
	WaitSelector     = "selector"
	WaitURLContains  = "url_contains"
	WaitTextContains = "text_contains"
	WaitLoadState    = "load_state"
	WaitFunction     = "function"
)

var loadStates = map[string]string{
	"loading":          "loading",
	"interactive":      "interactive",
	"domcontentloaded": "interactive",
	"complete":         "complete",
	"load":             "complete",
}

type WaitRequest struct {
	Kind    string
	Value   string
	Visible bool
	Timeout time.Duration
}

// Wait polls a condition on a fixed interval until it holds or the timeout
// elapses. The goroutine is parked on a timer between polls so the content
// view keeps processing its own work.
func (e *Engine) Wait(ctx context.Context, surface uuid.UUID, req WaitRequest) (map[string]any, error) {
	value := req.Value
	switch req.Kind {
	case WaitSelector:
		selector, err := e.Resolve(surface, value)
		if err != nil {
			return nil, err
		}
		value = selector
	case WaitURLContains, WaitTextContains, WaitFunction:
		if err := requireText(req.Kind, value); err != nil {
			return nil, err
		}
	case WaitLoadState:
		state, ok := loadStates[strings.ToLower(strings.TrimSpace(value))]
		if !ok {
			return nil, model.InvalidParams("unknown load_state %q", value)
		}
		value = state
	default:
		return nil, model.InvalidParams("a wait condition is required (selector, url_contains, text_contains, load_state or function)")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.WaitTimeout
	}

	args := map[string]any{"kind": req.Kind, "value": value, "visible": req.Visible}
	start := time.Now()
	deadline := start.Add(timeout)
	polls := 0
	for {
		polls++
		res, err := e.check(ctx, surface, opWait, e.frame(surface), args)
		if err != nil {
			return nil, err
		}
		if res.Get("met").Bool() {
			return surfaceResult(surface, map[string]any{
				"condition":  req.Kind,
				"value":      value,
				"met":        true,
				"polls":      polls,
				"elapsed_ms": time.Since(start).Milliseconds(),
			}), nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, model.Errorf(model.ErrTimeout, "timed out after %s waiting for %s %q", timeout, req.Kind, value).
				WithData(map[string]any{"condition": req.Kind, "value": value, "polls": polls})
		}
		if err := sleep(ctx, min(e.cfg.WaitPollInterval, remaining)); err != nil {
			return nil, model.Errorf(model.ErrTimeout, "wait interrupted: %v", err)
		}
	}
}
