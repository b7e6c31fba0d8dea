package browser

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/model"
)

// Open attaches a content view to surface and loads url.
func (e *Engine) Open(ctx context.Context, surface uuid.UUID, url string) (map[string]any, error) {
	if _, err := e.host.Attach(ctx, surface, url); err != nil {
		return nil, evalError(err, e.cfg.ScriptTimeout)
	}
	e.afterNavigation(ctx, surface)
	return e.location(ctx, surface)
}

func (e *Engine) Navigate(ctx context.Context, surface uuid.UUID, url string) (map[string]any, error) {
	if strings.TrimSpace(url) == "" {
		return nil, model.InvalidParams("url is required")
	}
	return e.navigateWith(ctx, surface, func(ctx context.Context) error {
		v, err := e.view(surface)
		if err != nil {
			return err
		}
		return v.Navigate(ctx, url)
	})
}

func (e *Engine) Back(ctx context.Context, surface uuid.UUID) (map[string]any, error) {
	return e.navigateWith(ctx, surface, func(ctx context.Context) error {
		v, err := e.view(surface)
		if err != nil {
			return err
		}
		return v.Back(ctx)
	})
}

func (e *Engine) Forward(ctx context.Context, surface uuid.UUID) (map[string]any, error) {
	return e.navigateWith(ctx, surface, func(ctx context.Context) error {
		v, err := e.view(surface)
		if err != nil {
			return err
		}
		return v.Forward(ctx)
	})
}

func (e *Engine) Reload(ctx context.Context, surface uuid.UUID) (map[string]any, error) {
	return e.navigateWith(ctx, surface, func(ctx context.Context) error {
		v, err := e.view(surface)
		if err != nil {
			return err
		}
		return v.Reload(ctx)
	})
}

func (e *Engine) navigateWith(ctx context.Context, surface uuid.UUID, nav func(context.Context) error) (map[string]any, error) {
	if err := nav(ctx); err != nil {
		return nil, evalError(err, e.cfg.ScriptTimeout)
	}
	e.afterNavigation(ctx, surface)
	return e.location(ctx, surface)
}

// afterNavigation resets the frame scope for the new document and installs
// the page hooks. Hook failures only get logged; pages like about:blank may
// refuse them.
func (e *Engine) afterNavigation(ctx context.Context, surface uuid.UUID) {
	e.withState(surface, func(st *surfaceState) { st.frame = "" })
	if _, err := e.InstallHooks(ctx, surface); err != nil {
		e.logger.Debug("install page hooks", "surface_id", surface, "error", err)
	}
}

func (e *Engine) location(ctx context.Context, surface uuid.UUID) (map[string]any, error) {
	v, err := e.view(surface)
	if err != nil {
		return nil, err
	}
	url, err := v.URL(ctx)
	if err != nil {
		return nil, evalError(err, e.cfg.ScriptTimeout)
	}
	title, err := v.Title(ctx)
	if err != nil {
		return nil, evalError(err, e.cfg.ScriptTimeout)
	}
	return surfaceResult(surface, map[string]any{"url": url, "title": title}), nil
}

func (e *Engine) URL(ctx context.Context, surface uuid.UUID) (map[string]any, error) {
	v, err := e.view(surface)
	if err != nil {
		return nil, err
	}
	url, err := v.URL(ctx)
	if err != nil {
		return nil, evalError(err, e.cfg.ScriptTimeout)
	}
	return surfaceResult(surface, map[string]any{"url": url}), nil
}

func (e *Engine) Title(ctx context.Context, surface uuid.UUID) (map[string]any, error) {
	v, err := e.view(surface)
	if err != nil {
		return nil, err
	}
	title, err := v.Title(ctx)
	if err != nil {
		return nil, evalError(err, e.cfg.ScriptTimeout)
	}
	return surfaceResult(surface, map[string]any{"title": title}), nil
}

func (e *Engine) FocusView(ctx context.Context, surface uuid.UUID) error {
	v, err := e.view(surface)
	if err != nil {
		return err
	}
	if err := v.Focus(ctx); err != nil {
		return evalError(err, e.cfg.ScriptTimeout)
	}
	return nil
}

func (e *Engine) IsViewFocused(surface uuid.UUID) (bool, error) {
	v, err := e.view(surface)
	if err != nil {
		return false, err
	}
	return v.Focused(), nil
}

// HasView reports whether a content view is attached to surface.
func (e *Engine) HasView(surface uuid.UUID) bool {
	_, ok := e.host.View(surface)
	return ok
}

// SelectFrame scopes later scripts to a same-origin iframe of the top
// document.
func (e *Engine) SelectFrame(ctx context.Context, surface uuid.UUID, rawSelector string) (map[string]any, error) {
	selector, err := e.Resolve(surface, rawSelector)
	if err != nil {
		return nil, err
	}
	res, err := e.check(ctx, surface, opFrame, "", map[string]any{"target": selector})
	if err != nil {
		return nil, err
	}
	e.withState(surface, func(st *surfaceState) { st.frame = selector })
	return surfaceResult(surface, map[string]any{"frame_selector": selector, "frame_url": res.Get("url").String()}), nil
}

func (e *Engine) MainFrame(surface uuid.UUID) map[string]any {
	e.withState(surface, func(st *surfaceState) { st.frame = "" })
	return surfaceResult(surface, map[string]any{"frame_selector": nil})
}

// Eval runs caller script inside the current frame's document.
func (e *Engine) Eval(ctx context.Context, surface uuid.UUID, script string) (map[string]any, error) {
	if err := requireText("script", script); err != nil {
		return nil, err
	}
	res, err := e.check(ctx, surface, opEval, e.frame(surface), map[string]any{"script": script})
	if err != nil {
		return nil, err
	}
	return surfaceResult(surface, map[string]any{
		"value":     resultValue(res.Get("value")),
		"undefined": res.Get("undefined").Bool(),
	}), nil
}
