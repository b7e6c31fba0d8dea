package daemon

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/api"
	"github.com/g960059/cmuxctl/internal/dispatch"
	"github.com/g960059/cmuxctl/internal/domain"
	"github.com/g960059/cmuxctl/internal/focus"
	"github.com/g960059/cmuxctl/internal/mainloop"
	"github.com/g960059/cmuxctl/internal/model"
)

const blankPage = "about:blank"

func (s *Server) registerSurfaces() {
	s.registry.HandleV2("surface.list", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		ws, err := s.workspaceArg(t, p.First("workspace_id", "workspace"))
		if err != nil {
			return nil, err
		}
		all := workspaceSurfaces(ws)
		items := make([]api.SurfaceItem, 0, len(all))
		for i, sn := range all {
			items = append(items, s.surfaceItem(i, sn))
		}
		return s.ids(model.KindWorkspace, ws.ID, map[string]any{"surfaces": items}), nil
	}))

	s.registry.HandleV2("surface.current", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		sn, err := s.surfaceArg(t, "", p.String("workspace_id"))
		if err != nil {
			return nil, err
		}
		return s.surfaceResult(t, sn, nil), nil
	}))

	s.registry.HandleV2("surface.create", func(ctx context.Context, p dispatch.Params) (any, error) {
		typ, err := surfaceType(p.First("type", "panel_type"))
		if err != nil {
			return nil, err
		}
		url := p.String("url")
		res, err := mainloop.Call(ctx, s.loop, func(context.Context) (map[string]any, error) {
			pane, err := s.paneArg(s.model.Tree(), p.First("pane_id", "pane"), p.String("workspace_id"))
			if err != nil {
				return nil, err
			}
			sn, err := s.model.CreateSurface(pane.ID, typ, url)
			if err != nil {
				return nil, err
			}
			out := s.ids(model.KindSurface, sn.ID, map[string]any{"type": string(typ)})
			s.ids(model.KindPane, pane.ID, out)
			if url != "" {
				out["url"] = url
			}
			return out, nil
		})
		if err != nil {
			return nil, err
		}
		return s.attachNew(ctx, res)
	})

	s.registry.HandleV2("surface.split", func(ctx context.Context, p dispatch.Params) (any, error) {
		dir, typ, url, err := splitParams(p)
		if err != nil {
			return nil, err
		}
		res, err := mainloop.Call(ctx, s.loop, func(context.Context) (map[string]any, error) {
			t := s.model.Tree()
			sn, err := s.surfaceArg(t, p.First("surface_id", "surface"), p.String("workspace_id"))
			if err != nil {
				return nil, err
			}
			pane, ok := t.Pane(sn.PaneID)
			if !ok {
				return nil, model.NotFound("pane %s not found", sn.PaneID)
			}
			return s.createPane(pane.WorkspaceID, dir, typ, url)
		})
		if err != nil {
			return nil, err
		}
		return s.attachNew(ctx, res)
	})

	s.registry.HandleV2("surface.focus", s.onTree(func(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		raw := p.First("surface_id", "surface")
		if raw == "" {
			return nil, model.InvalidParams("surface_id is required")
		}
		sn, err := s.surfaceArg(t, raw, "")
		if err != nil {
			return nil, err
		}
		applied := focus.Allowed(ctx)
		if applied {
			if err := s.model.FocusSurface(sn.ID); err != nil {
				return nil, err
			}
		}
		return s.ids(model.KindSurface, sn.ID, map[string]any{"focused": applied}), nil
	}))

	s.registry.HandleV2("surface.close", func(ctx context.Context, p dispatch.Params) (any, error) {
		var closed domain.SurfaceNode
		res, err := s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
			sn, err := s.surfaceArg(t, p.First("surface_id", "surface"), p.String("workspace_id"))
			if err != nil {
				return nil, err
			}
			if err := s.model.CloseSurface(sn.ID); err != nil {
				return nil, err
			}
			closed = sn
			return s.ids(model.KindSurface, sn.ID, map[string]any{"closed": true}), nil
		})(ctx, p)
		if err == nil && closed.Type == model.SurfaceBrowser {
			s.forget([]uuid.UUID{closed.ID})
		}
		return res, err
	})

	s.registry.HandleV2("surface.move", s.onTree(s.moveSurface))

	s.registry.HandleV2("surface.reorder", s.onTree(s.reorderSurface))

	s.registry.HandleV2("surface.drag_to_split", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		raw := p.First("surface_id", "surface")
		if raw == "" {
			return nil, model.InvalidParams("surface_id is required")
		}
		sn, err := s.surfaceArg(t, raw, "")
		if err != nil {
			return nil, err
		}
		dir, ok := model.ParseSplitDirection(strings.ToLower(p.String("direction")))
		if !ok {
			return nil, model.InvalidParams("direction must be one of left, right, up, down")
		}
		pane, err := s.model.SplitSurface(sn.ID, dir)
		if err != nil {
			return nil, err
		}
		out := s.ids(model.KindSurface, sn.ID, map[string]any{"direction": string(dir)})
		return s.ids(model.KindPane, pane.ID, out), nil
	}))

	s.registry.HandleV2("surface.clear_history", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		sn, err := s.surfaceArg(t, p.First("surface_id", "surface"), p.String("workspace_id"))
		if err != nil {
			return nil, err
		}
		if err := s.model.ClearHistory(sn.ID); err != nil {
			return nil, err
		}
		return s.ids(model.KindSurface, sn.ID, map[string]any{"cleared": true}), nil
	}))

	s.registry.HandleV2("surface.send_text", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		if !p.Has("text") {
			return nil, model.InvalidParams("text is required")
		}
		sn, err := s.surfaceArg(t, p.First("surface_id", "surface"), p.String("workspace_id"))
		if err != nil {
			return nil, err
		}
		text := p.String("text")
		if err := s.model.SendText(sn.ID, text); err != nil {
			return nil, err
		}
		return s.ids(model.KindSurface, sn.ID, map[string]any{"bytes": len(text)}), nil
	}))

	s.registry.HandleV2("surface.send_key", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		key, err := p.Require("key")
		if err != nil {
			return nil, err
		}
		sn, err := s.surfaceArg(t, p.First("surface_id", "surface"), p.String("workspace_id"))
		if err != nil {
			return nil, err
		}
		if err := s.model.SendKey(sn.ID, key); err != nil {
			return nil, err
		}
		return s.ids(model.KindSurface, sn.ID, map[string]any{"key": key}), nil
	}))

	s.registry.HandleV2("surface.read_text", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		sn, err := s.surfaceArg(t, p.First("surface_id", "surface"), p.String("workspace_id"))
		if err != nil {
			return nil, err
		}
		text, err := s.model.ReadText(sn.ID)
		if err != nil {
			return nil, err
		}
		return s.ids(model.KindSurface, sn.ID, map[string]any{"text": text}), nil
	}))

	s.registry.HandleV2("surface.health", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		ws, err := s.workspaceArg(t, p.First("workspace_id", "workspace"))
		if err != nil {
			return nil, err
		}
		var rows []map[string]any
		for i, sn := range workspaceSurfaces(ws) {
			row := s.ids(model.KindSurface, sn.ID, map[string]any{
				"index":   i,
				"type":    string(sn.Type),
				"pane_id": sn.PaneID.String(),
				"healthy": true,
			})
			if sn.Type == model.SurfaceBrowser {
				attached := s.browser != nil && s.browser.HasView(sn.ID)
				row["webview_attached"] = attached
				row["healthy"] = attached
			}
			rows = append(rows, row)
		}
		if rows == nil {
			rows = []map[string]any{}
		}
		return s.ids(model.KindWorkspace, ws.ID, map[string]any{"surfaces": rows}), nil
	}))
}

func (s *Server) surfaceResult(t domain.Tree, sn domain.SurfaceNode, extra map[string]any) map[string]any {
	out := s.ids(model.KindSurface, sn.ID, extra)
	out["type"] = string(sn.Type)
	out["title"] = sn.Title
	if sn.URL != "" {
		out["url"] = sn.URL
	}
	s.ids(model.KindPane, sn.PaneID, out)
	if pane, ok := t.Pane(sn.PaneID); ok {
		s.ids(model.KindWorkspace, pane.WorkspaceID, out)
	}
	return out
}

// moveSurface places a surface into the pane named by pane_id, by the focused
// pane of workspace_id, or next to before_surface_id / after_surface_id.
func (s *Server) moveSurface(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
	raw := p.First("surface_id", "surface")
	if raw == "" {
		return nil, model.InvalidParams("surface_id is required")
	}
	sn, err := s.surfaceArg(t, raw, "")
	if err != nil {
		return nil, err
	}
	index, err := p.Int("index", -1)
	if err != nil {
		return nil, err
	}

	var dest domain.PaneNode
	anchorRaw, after := p.String("before_surface_id"), false
	if anchorRaw == "" {
		anchorRaw, after = p.String("after_surface_id"), true
	}
	switch {
	case p.String("pane_id") != "":
		if dest, err = s.paneArg(t, p.String("pane_id"), ""); err != nil {
			return nil, err
		}
	case p.String("workspace_id") != "":
		if dest, err = s.paneArg(t, "", p.String("workspace_id")); err != nil {
			return nil, err
		}
	case anchorRaw != "":
		anchor, err := s.surfaceArg(t, anchorRaw, "")
		if err != nil {
			return nil, err
		}
		dest, _ = t.Pane(anchor.PaneID)
	default:
		return nil, model.InvalidParams("one of pane_id, workspace_id, before_surface_id or after_surface_id is required")
	}

	if anchorRaw != "" {
		index = -1
		for i, x := range dest.Surfaces {
			if x.ID.String() == mustResolve(s, anchorRaw) {
				index = i
			}
		}
		if index < 0 {
			return nil, model.Errorf(model.ErrInvalidState, "anchor surface %s is not in pane %s", anchorRaw, dest.ID)
		}
		if after {
			index++
		}
		if sn.PaneID == dest.ID {
			for i, x := range dest.Surfaces {
				if x.ID == sn.ID && i < index {
					index--
				}
			}
		}
	}

	if err := s.model.MoveSurface(sn.ID, dest.ID, index); err != nil {
		return nil, err
	}
	want, err := p.Bool("focus")
	if err != nil {
		return nil, err
	}
	focused := want && focus.Allowed(ctx)
	if focused {
		if err := s.model.FocusSurface(sn.ID); err != nil {
			return nil, err
		}
	}
	out := s.ids(model.KindSurface, sn.ID, map[string]any{"focused": focused})
	return s.ids(model.KindPane, dest.ID, out), nil
}

// reorderSurface moves a surface among the tabs of its pane to exactly one of
// index, before_surface_id or after_surface_id.
func (s *Server) reorderSurface(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
	raw := p.First("surface_id", "surface")
	if raw == "" {
		return nil, model.InvalidParams("surface_id is required")
	}
	sn, err := s.surfaceArg(t, raw, "")
	if err != nil {
		return nil, err
	}
	targets := 0
	for _, name := range []string{"index", "before_surface_id", "after_surface_id"} {
		if p.Has(name) {
			targets++
		}
	}
	if targets != 1 {
		return nil, model.InvalidParams("exactly one of index, before_surface_id or after_surface_id is required")
	}

	pane, _ := t.Pane(sn.PaneID)
	index, err := p.Int("index", 0)
	if err != nil {
		return nil, err
	}
	if !p.Has("index") {
		anchorRaw, after := p.String("before_surface_id"), false
		if anchorRaw == "" {
			anchorRaw, after = p.String("after_surface_id"), true
		}
		anchor, err := s.surfaceArg(t, anchorRaw, "")
		if err != nil {
			return nil, err
		}
		if anchor.ID == sn.ID {
			return nil, model.InvalidParams("a surface cannot be its own anchor")
		}
		if anchor.PaneID != sn.PaneID {
			return nil, model.Errorf(model.ErrInvalidState, "anchor surface %s is not in pane %s", anchorRaw, pane.ID)
		}
		// positions are counted with the moving surface removed
		index = 0
		for _, x := range pane.Surfaces {
			if x.ID == anchor.ID {
				break
			}
			if x.ID != sn.ID {
				index++
			}
		}
		if after {
			index++
		}
	}
	if err := s.model.ReorderSurface(sn.ID, index); err != nil {
		return nil, err
	}
	out := s.ids(model.KindSurface, sn.ID, map[string]any{"index": index})
	return s.ids(model.KindPane, pane.ID, out), nil
}

func mustResolve(s *Server, raw string) string {
	id, err := s.refs.Resolve(model.KindSurface, raw)
	if err != nil {
		return ""
	}
	return id.String()
}

// attachNew loads a content view into a freshly created browser surface. The
// surface is closed again when the view cannot be attached.
func (s *Server) attachNew(ctx context.Context, res map[string]any) (any, error) {
	if res["type"] != string(model.SurfaceBrowser) || s.browser == nil {
		return res, nil
	}
	raw, _ := res["surface_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, model.Errorf(model.ErrInternal, "created surface has no id")
	}
	url, _ := res["url"].(string)
	if url == "" {
		url = blankPage
	}
	loc, err := s.browser.Open(ctx, id, url)
	if err != nil {
		cerr := s.loop.Do(ctx, func(context.Context) error { return s.model.CloseSurface(id) })
		if cerr != nil {
			s.logger.Warn("close surface after failed attach", "surface_id", id, "error", cerr)
		}
		return nil, fmt.Errorf("attach content view: %w", err)
	}
	for _, k := range []string{"url", "title"} {
		if v, ok := loc[k]; ok {
			res[k] = v
		}
	}
	s.syncSurfaceInfo(ctx, id, loc)
	return res, nil
}

// syncSurfaceInfo copies the page title and url reported by the engine onto
// the surface.
func (s *Server) syncSurfaceInfo(ctx context.Context, id uuid.UUID, loc map[string]any) {
	title, _ := loc["title"].(string)
	url, _ := loc["url"].(string)
	if title == "" && url == "" {
		return
	}
	err := s.loop.Do(ctx, func(context.Context) error { return s.model.SetSurfaceInfo(id, title, url) })
	if err != nil {
		s.logger.Debug("update surface info", "surface_id", id, "error", err)
	}
}
