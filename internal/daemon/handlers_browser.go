package daemon

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/browser"
	"github.com/g960059/cmuxctl/internal/dispatch"
	"github.com/g960059/cmuxctl/internal/domain"
	"github.com/g960059/cmuxctl/internal/focus"
	"github.com/g960059/cmuxctl/internal/mainloop"
	"github.com/g960059/cmuxctl/internal/model"
	"github.com/g960059/cmuxctl/internal/webview"
)

// browserFunc handles a browser method for an already resolved browser
// surface. It runs on the connection worker, not on the main loop.
type browserFunc func(ctx context.Context, surface uuid.UUID, p dispatch.Params) (map[string]any, error)

// queries maps getter methods to the engine field they read.
var queries = map[string]string{
	"browser.get.text":   "text",
	"browser.get.html":   "html",
	"browser.get.value":  "value",
	"browser.get.attr":   "attr",
	"browser.get.count":  "count",
	"browser.get.box":    "box",
	"browser.is.visible": "visible",
	"browser.is.enabled": "enabled",
	"browser.is.checked": "checked",
}

func (s *Server) registerBrowser() {
	s.registry.HandleV2("browser.open_split", s.openSplit)

	s.registry.HandleV2("browser.navigate", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		return s.navigated(ctx, id)(s.browser.Navigate(ctx, id, p.String("url")))
	}))
	s.registry.HandleV2("browser.back", s.onBrowser(func(ctx context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		return s.navigated(ctx, id)(s.browser.Back(ctx, id))
	}))
	s.registry.HandleV2("browser.forward", s.onBrowser(func(ctx context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		return s.navigated(ctx, id)(s.browser.Forward(ctx, id))
	}))
	s.registry.HandleV2("browser.reload", s.onBrowser(func(ctx context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		return s.navigated(ctx, id)(s.browser.Reload(ctx, id))
	}))
	s.registry.HandleV2("browser.url.get", s.onBrowser(func(ctx context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		return s.browser.URL(ctx, id)
	}))
	s.registry.HandleV2("browser.title.get", s.onBrowser(func(ctx context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		return s.browser.Title(ctx, id)
	}))

	s.registry.HandleV2("browser.focus_webview", s.onBrowser(func(ctx context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		if !focus.Allowed(ctx) {
			return map[string]any{"focused": false}, nil
		}
		err := s.loop.Do(ctx, func(context.Context) error { return s.model.FocusSurface(id) })
		if err != nil {
			return nil, err
		}
		if err := s.browser.FocusView(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"focused": true}, nil
	}))
	s.registry.HandleV2("browser.is_webview_focused", s.onBrowser(func(_ context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		focused, err := s.browser.IsViewFocused(id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"focused": focused}, nil
	}))

	s.registry.HandleV2("browser.snapshot", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		maxNodes, err := p.Int("max_nodes", 0)
		if err != nil {
			return nil, err
		}
		withText, err := p.Bool("include_text")
		if err != nil {
			return nil, err
		}
		withHTML, err := p.Bool("include_html")
		if err != nil {
			return nil, err
		}
		return s.browser.Snapshot(ctx, id, browser.SnapshotRequest{
			Selector:    selectorParam(p),
			MaxNodes:    maxNodes,
			IncludeText: withText,
			IncludeHTML: withHTML,
		})
	}))
	s.registry.HandleV2("browser.eval", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		return s.browser.Eval(ctx, id, p.First("script", "expression"))
	}))

	for _, by := range []string{"text", "role", "selector"} {
		s.registry.HandleV2("browser.find."+by, s.onBrowser(s.find(by)))
	}
	for _, action := range browser.Actions {
		s.registry.HandleV2("browser."+action, s.onBrowser(s.act(action)))
	}
	for method, field := range queries {
		s.registry.HandleV2(method, s.onBrowser(s.query(field)))
	}

	s.registry.HandleV2("browser.wait", s.onBrowser(s.wait))

	s.registry.HandleV2("browser.frame.select", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		return s.browser.SelectFrame(ctx, id, selectorParam(p))
	}))
	s.registry.HandleV2("browser.frame.main", s.onBrowser(func(_ context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		return s.browser.MainFrame(id), nil
	}))

	s.registry.HandleV2("browser.dialog.list", s.onBrowser(func(ctx context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		return s.browser.Dialogs(ctx, id)
	}))
	s.registry.HandleV2("browser.dialog.accept", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		var text *string
		if name := firstPresent(p, "text", "prompt_text"); name != "" {
			v := p.String(name)
			text = &v
		}
		return s.browser.RespondDialog(ctx, id, true, text)
	}))
	s.registry.HandleV2("browser.dialog.dismiss", s.onBrowser(func(ctx context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		return s.browser.RespondDialog(ctx, id, false, nil)
	}))

	s.registry.HandleV2("browser.console.list", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		drain, err := p.Bool("clear")
		if err != nil {
			return nil, err
		}
		return s.browser.Console(ctx, id, drain)
	}))
	s.registry.HandleV2("browser.console.clear", s.onBrowser(func(ctx context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		return s.browser.ClearConsole(ctx, id)
	}))
	s.registry.HandleV2("browser.errors.list", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		drain, err := p.Bool("clear")
		if err != nil {
			return nil, err
		}
		return s.browser.Errors(ctx, id, drain)
	}))

	s.registry.HandleV2("browser.cookies.get", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		return s.browser.Cookies(ctx, id, cookieFilter(p))
	}))
	s.registry.HandleV2("browser.cookies.set", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		var c webview.Cookie
		if p.Has("cookie") {
			var wrapped struct {
				Cookie webview.Cookie `json:"cookie"`
			}
			if err := p.Decode(&wrapped); err != nil {
				return nil, err
			}
			c = wrapped.Cookie
		} else if err := p.Decode(&c); err != nil {
			return nil, err
		}
		return s.browser.SetCookie(ctx, id, c)
	}))
	s.registry.HandleV2("browser.cookies.clear", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		return s.browser.ClearCookies(ctx, id, cookieFilter(p))
	}))

	s.registry.HandleV2("browser.storage.get", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		return s.browser.StorageGet(ctx, id, storageParam(p), p.String("key"))
	}))
	s.registry.HandleV2("browser.storage.set", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		key, err := p.Require("key")
		if err != nil {
			return nil, err
		}
		if !p.Has("value") {
			return nil, model.InvalidParams("value is required")
		}
		return s.browser.StorageSet(ctx, id, storageParam(p), key, p.String("value"))
	}))
	s.registry.HandleV2("browser.storage.clear", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		return s.browser.StorageClear(ctx, id, storageParam(p), p.String("key"))
	}))

	s.registry.HandleV2("browser.state.save", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		return s.browser.SaveState(ctx, id, p.String("path"))
	}))
	s.registry.HandleV2("browser.state.load", s.onBrowser(func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		res, err := s.browser.LoadState(ctx, id, p.String("path"))
		if err == nil {
			s.syncSurfaceInfo(ctx, id, res)
		}
		return res, err
	}))

	s.registry.HandleV2("browser.unsupported.list", s.onBrowser(func(_ context.Context, id uuid.UUID, _ dispatch.Params) (map[string]any, error) {
		return s.browser.UnsupportedLog(id), nil
	}))
	for _, method := range browser.UnsupportedMethods() {
		s.registry.HandleV2(method, s.unsupported(method))
	}
}

// onBrowser resolves the target browser surface on the main loop and then
// runs fn on the calling worker, so waits and retries never block the loop.
func (s *Server) onBrowser(fn browserFunc) dispatch.HandlerFunc {
	return func(ctx context.Context, p dispatch.Params) (any, error) {
		id, err := s.browserSurface(ctx, p)
		if err != nil {
			return nil, err
		}
		res, err := fn(ctx, id, p)
		if err != nil {
			return nil, err
		}
		return s.ids(model.KindSurface, id, res), nil
	}
}

func (s *Server) browserSurface(ctx context.Context, p dispatch.Params) (uuid.UUID, error) {
	if s.browser == nil {
		return uuid.Nil, model.Errorf(model.ErrUnavailable, "browser automation is disabled")
	}
	sn, err := mainloop.Call(ctx, s.loop, func(context.Context) (domain.SurfaceNode, error) {
		return s.surfaceArg(s.model.Tree(), p.First("surface_id", "surface"), p.String("workspace_id"))
	})
	if err != nil {
		return uuid.Nil, err
	}
	if sn.Type != model.SurfaceBrowser {
		return uuid.Nil, model.Errorf(model.ErrInvalidState, "surface %s is not a browser", sn.ID)
	}
	return sn.ID, nil
}

// navigated mirrors the page location onto the surface after a navigation.
func (s *Server) navigated(ctx context.Context, id uuid.UUID) func(map[string]any, error) (map[string]any, error) {
	return func(res map[string]any, err error) (map[string]any, error) {
		if err != nil {
			return nil, err
		}
		s.syncSurfaceInfo(ctx, id, res)
		return res, nil
	}
}

// openSplit creates a browser pane next to the target surface and loads url
// into it. A pane whose view cannot be attached is closed again.
func (s *Server) openSplit(ctx context.Context, p dispatch.Params) (any, error) {
	if s.browser == nil {
		return nil, model.Errorf(model.ErrUnavailable, "browser automation is disabled")
	}
	dir, _, url, err := splitParams(p.With("type", string(model.SurfaceBrowser)))
	if err != nil {
		return nil, err
	}
	res, err := mainloop.Call(ctx, s.loop, func(context.Context) (map[string]any, error) {
		t := s.model.Tree()
		wsRaw := p.String("workspace_id")
		if raw := p.First("surface_id", "surface"); raw != "" {
			sn, err := s.surfaceArg(t, raw, "")
			if err != nil {
				return nil, err
			}
			pane, ok := t.Pane(sn.PaneID)
			if !ok {
				return nil, model.NotFound("pane %s not found", sn.PaneID)
			}
			wsRaw = pane.WorkspaceID.String()
		}
		ws, err := s.workspaceArg(t, wsRaw)
		if err != nil {
			return nil, err
		}
		return s.createPane(ws.ID, dir, model.SurfaceBrowser, url)
	})
	if err != nil {
		return nil, err
	}
	return s.attachNew(ctx, res)
}

func (s *Server) find(by string) browserFunc {
	return func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		retry, err := s.retryParams(p)
		if err != nil {
			return nil, err
		}
		exact, err := p.Bool("exact")
		if err != nil {
			return nil, err
		}
		return s.browser.Find(ctx, id, browser.FindRequest{
			By:       by,
			Text:     p.String("text"),
			Role:     p.String("role"),
			Name:     p.String("name"),
			Selector: selectorParam(p),
			Exact:    exact,
			Retry:    retry,
		})
	}
}

func (s *Server) act(action string) browserFunc {
	return func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		retry, err := s.retryParams(p)
		if err != nil {
			return nil, err
		}
		values, err := p.Strings("values")
		if err != nil {
			return nil, err
		}
		if len(values) == 0 && action == "select" && p.Has("value") {
			values = []string{p.String("value")}
		}
		dx, err := p.Int("dx", 0)
		if err != nil {
			return nil, err
		}
		dy, err := p.Int("dy", 0)
		if err != nil {
			return nil, err
		}
		return s.browser.Act(ctx, id, browser.ActionRequest{
			Action:   action,
			Selector: selectorParam(p),
			Text:     p.First("text", "value"),
			Values:   values,
			Key:      p.String("key"),
			DX:       dx,
			DY:       dy,
			Retry:    retry,
		})
	}
}

func (s *Server) query(field string) browserFunc {
	return func(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
		retry, err := s.retryParams(p)
		if err != nil {
			return nil, err
		}
		return s.browser.Query(ctx, id, field, selectorParam(p), p.First("name", "attr"), retry)
	}
}

// wait takes its condition from whichever condition parameter is present.
func (s *Server) wait(ctx context.Context, id uuid.UUID, p dispatch.Params) (map[string]any, error) {
	req := browser.WaitRequest{}
	for _, kind := range []string{browser.WaitSelector, browser.WaitURLContains, browser.WaitTextContains, browser.WaitLoadState, browser.WaitFunction} {
		if p.Has(kind) {
			req.Kind, req.Value = kind, p.String(kind)
			break
		}
	}
	if req.Kind == "" && p.Has("element_ref") {
		req.Kind, req.Value = browser.WaitSelector, p.String("element_ref")
	}
	visible, err := p.Bool("visible")
	if err != nil {
		return nil, err
	}
	req.Visible = visible
	timeoutMS, err := p.Int("timeout_ms", 0)
	if err != nil {
		return nil, err
	}
	if timeoutMS < 0 {
		return nil, model.InvalidParams("timeout_ms must not be negative")
	}
	req.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return s.browser.Wait(ctx, id, req)
}

// unsupported answers a capability the content view cannot provide. Only
// route and unroute need a surface, for the per-surface log.
func (s *Server) unsupported(method string) dispatch.HandlerFunc {
	logged := method == "browser.network.route" || method == "browser.network.unroute"
	return func(ctx context.Context, p dispatch.Params) (any, error) {
		if s.browser == nil {
			return nil, model.NotSupported("%s", browser.UnsupportedReasons[method]).WithData(map[string]any{"method": method})
		}
		id := uuid.Nil
		if logged {
			var err error
			if id, err = s.browserSurface(ctx, p); err != nil {
				return nil, err
			}
		}
		return nil, s.browser.Unsupported(ctx, id, method, p.First("url", "pattern"))
	}
}

func (s *Server) retryParams(p dispatch.Params) (browser.Retry, error) {
	retries, err := p.OptInt("retries")
	if err != nil {
		return browser.Retry{}, err
	}
	interval, err := p.OptInt("retry_interval_ms")
	if err != nil {
		return browser.Retry{}, err
	}
	return s.browser.RetryPolicy(retries, interval)
}

func selectorParam(p dispatch.Params) string {
	return p.First("element_ref", "selector", "ref")
}

func cookieFilter(p dispatch.Params) browser.CookieFilter {
	return browser.CookieFilter{Name: p.String("name"), Domain: p.String("domain")}
}

func storageParam(p dispatch.Params) string {
	return strings.ToLower(p.First("type", "kind", "storage"))
}

func firstPresent(p dispatch.Params, names ...string) string {
	for _, n := range names {
		if p.Has(n) {
			return n
		}
	}
	return ""
}
