package browser

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/g960059/cmuxctl/internal/model"
)

// Actions lists the element actions Act accepts.
var Actions = []string{
	"click", "dblclick", "hover", "focus", "type", "fill", "select",
	"check", "uncheck", "scroll", "scroll_into_view", "press", "highlight",
}

// Retry bounds how often a missing element is looked up again. Attempts is
// always Retries+1.
type Retry struct {
	Retries  int
	Interval time.Duration
}

// RetryPolicy applies caller overrides to the configured defaults.
func (e *Engine) RetryPolicy(retries *int, intervalMS *int) (Retry, error) {
	p := Retry{Retries: e.cfg.ActionRetries, Interval: e.cfg.RetryInterval}
	if retries != nil {
		if *retries < 0 || *retries > 50 {
			return Retry{}, model.InvalidParams("retries must be between 0 and 50")
		}
		p.Retries = *retries
	}
	if intervalMS != nil {
		if *intervalMS < 0 || *intervalMS > 10_000 {
			return Retry{}, model.InvalidParams("retry_interval_ms must be between 0 and 10000")
		}
		p.Interval = time.Duration(*intervalMS) * time.Millisecond
	}
	return p, nil
}

type ActionRequest struct {
	Action   string
	Selector string
	Text     string
	Values   []string
	Key      string
	DX       int
	DY       int
	Retry    Retry
}

func validAction(name string) bool {
	for _, a := range Actions {
		if a == name {
			return true
		}
	}
	return false
}

// Act performs an element action, retrying while the element is missing.
func (e *Engine) Act(ctx context.Context, surface uuid.UUID, req ActionRequest) (map[string]any, error) {
	if !validAction(req.Action) {
		return nil, model.InvalidParams("unknown action %q", req.Action)
	}
	selector := ""
	optional := req.Action == "scroll" || req.Action == "press"
	if !optional || strings.TrimSpace(req.Selector) != "" {
		var err error
		if selector, err = e.Resolve(surface, req.Selector); err != nil {
			return nil, err
		}
	}
	switch req.Action {
	case "select":
		if len(req.Values) == 0 {
			return nil, model.InvalidParams("values is required")
		}
	case "press":
		if err := requireText("key", req.Key); err != nil {
			return nil, err
		}
	case "type":
		if err := requireText("text", req.Text); err != nil {
			return nil, err
		}
	}

	args := map[string]any{
		"action":   req.Action,
		"selector": selector,
		"text":     req.Text,
		"values":   req.Values,
		"key":      req.Key,
		"dx":       req.DX,
		"dy":       req.DY,
	}
	before := e.documentURL(ctx, surface)
	res, attempts, err := e.retrying(ctx, surface, selector, opAction, args, req.Retry)
	if err != nil {
		return nil, err
	}
	out := surfaceResult(surface, map[string]any{
		"action":   req.Action,
		"attempts": attempts,
	})
	if after := e.documentURL(ctx, surface); after != before {
		e.afterNavigation(ctx, surface)
		out["navigated"] = true
	}
	if selector != "" {
		out["selector"] = selector
	}
	if tag := res.Get("tag"); tag.Exists() {
		out["tag"] = tag.String()
	}
	return out, nil
}

// documentURL is the top-level URL without its fragment, or "" when the view
// cannot tell.
func (e *Engine) documentURL(ctx context.Context, surface uuid.UUID) string {
	v, err := e.view(surface)
	if err != nil {
		return ""
	}
	url, err := v.URL(ctx)
	if err != nil {
		return ""
	}
	url, _, _ = strings.Cut(url, "#")
	return url
}

// retrying evaluates op until the script stops reporting not_found or the
// attempt budget is spent. The delay between attempts is a timer wait on the
// caller's goroutine.
func (e *Engine) retrying(ctx context.Context, surface uuid.UUID, selector, op string, args map[string]any, p Retry) (gjson.Result, int, error) {
	return e.retryingAs(ctx, surface, selector, selector, op, args, p)
}

// retryingAs is retrying for lookups that are not a CSS selector; describe
// names the target in errors and selector may be empty.
func (e *Engine) retryingAs(ctx context.Context, surface uuid.UUID, describe, selector, op string, args map[string]any, p Retry) (gjson.Result, int, error) {
	frame := e.frame(surface)
	attempts := p.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := e.eval(ctx, surface, op, frame, args)
		if err != nil {
			return gjson.Result{}, attempt, err
		}
		if res.Get("ok").Bool() {
			return res, attempt, nil
		}
		if res.Get("error").String() != "not_found" {
			return gjson.Result{}, attempt, scriptFailure(res)
		}
		if attempt < attempts && p.Interval > 0 {
			if err := sleep(ctx, p.Interval); err != nil {
				return gjson.Result{}, attempt, model.Errorf(model.ErrTimeout, "interrupted while retrying %s", describe)
			}
		}
	}
	return gjson.Result{}, attempts, e.notFound(ctx, surface, describe, selector, attempts)
}

// notFound builds the exhausted-retry error with enough page context for the
// caller to fix its selector.
func (e *Engine) notFound(ctx context.Context, surface uuid.UUID, describe, selector string, attempts int) error {
	data := map[string]any{
		"selector":      describe,
		"attempts":      attempts,
		"match_count":   0,
		"visible_count": 0,
		"samples":       []any{},
	}
	frame := e.frame(surface)
	res, err := e.check(ctx, surface, opDiagnose, frame, map[string]any{
		"selector": selector,
		"limit":    e.cfg.DiagnosticSampleLimit,
	})
	if err == nil {
		data["match_count"] = res.Get("match_count").Int()
		data["visible_count"] = res.Get("visible_count").Int()
		if samples := res.Get("samples"); samples.IsArray() {
			data["samples"] = samples.Value()
		}
		data["samples_from"] = res.Get("samples_from").String()
		data["title"] = res.Get("title").String()
		data["url"] = res.Get("url").String()
	} else {
		e.logger.Debug("diagnose selector", "surface_id", surface, "error", err)
	}
	if excerpt, err := e.snapshotExcerpt(ctx, surface, frame); err == nil {
		data["snapshot_excerpt"] = excerpt
	}
	if _, ok := data["title"]; !ok {
		if v, err := e.view(surface); err == nil {
			data["title"], _ = v.Title(ctx)
			data["url"], _ = v.URL(ctx)
		}
	}
	return model.NotFound("element not found after %d attempts: %s", attempts, describe).WithData(data)
}

// Query fields accepted by Query.
var Fields = []string{"text", "html", "value", "attr", "count", "box", "visible", "enabled", "checked"}

// Query reads a property of the first element matching selector.
func (e *Engine) Query(ctx context.Context, surface uuid.UUID, field, rawSelector, attr string, p Retry) (map[string]any, error) {
	known := false
	for _, f := range Fields {
		known = known || f == field
	}
	if !known {
		return nil, model.InvalidParams("unknown field %q", field)
	}
	if field == "attr" {
		if err := requireText("name", attr); err != nil {
			return nil, err
		}
	}
	selector, err := e.Resolve(surface, rawSelector)
	if err != nil {
		return nil, err
	}
	if field == "count" || field == "visible" {
		p.Retries = 0
	}
	res, _, err := e.retrying(ctx, surface, selector, opQuery, map[string]any{
		"field":    field,
		"selector": selector,
		"name":     attr,
	}, p)
	if err != nil {
		return nil, err
	}
	return surfaceResult(surface, map[string]any{
		"selector": selector,
		"value":    resultValue(res.Get("value")),
	}), nil
}

type FindRequest struct {
	By       string // text, role or selector
	Text     string
	Role     string
	Name     string
	Selector string
	Exact    bool
	Retry    Retry
}

// Find locates one element and allocates a fresh element ref for it.
func (e *Engine) Find(ctx context.Context, surface uuid.UUID, req FindRequest) (map[string]any, error) {
	args := map[string]any{"by": req.By, "exact": req.Exact}
	describe, selector := "", ""
	switch req.By {
	case "text":
		if err := requireText("text", req.Text); err != nil {
			return nil, err
		}
		args["text"] = req.Text
		describe = "text=" + req.Text
	case "role":
		if err := requireText("role", req.Role); err != nil {
			return nil, err
		}
		args["role"] = req.Role
		args["name"] = req.Name
		describe = "role=" + req.Role
	case "selector":
		resolved, err := e.Resolve(surface, req.Selector)
		if err != nil {
			return nil, err
		}
		args["selector"] = resolved
		describe, selector = resolved, resolved
	default:
		return nil, model.InvalidParams("unknown find strategy %q", req.By)
	}

	res, attempts, err := e.retryingAs(ctx, surface, describe, selector, opFind, args, req.Retry)
	if err != nil {
		return nil, err
	}
	found := res.Get("selector").String()
	return surfaceResult(surface, map[string]any{
		"element_ref": e.allocate(surface, found),
		"selector":    found,
		"tag":         res.Get("tag").String(),
		"role":        res.Get("role").String(),
		"text":        res.Get("text").String(),
		"visible":     res.Get("visible").Bool(),
		"match_count": res.Get("match_count").Int(),
		"attempts":    attempts,
	}), nil
}
