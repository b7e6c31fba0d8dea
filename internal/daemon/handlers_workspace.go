package daemon

import (
	"context"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/api"
	"github.com/g960059/cmuxctl/internal/dispatch"
	"github.com/g960059/cmuxctl/internal/domain"
	"github.com/g960059/cmuxctl/internal/focus"
	"github.com/g960059/cmuxctl/internal/model"
)

func (s *Server) registerWindows() {
	s.registry.HandleV2("window.list", s.onTree(func(_ context.Context, t domain.Tree, _ dispatch.Params) (any, error) {
		items := make([]api.WindowItem, 0, len(t.Windows))
		for i, w := range t.Windows {
			items = append(items, s.windowItem(i, w))
		}
		return map[string]any{"windows": items}, nil
	}))

	s.registry.HandleV2("window.current", s.onTree(func(_ context.Context, t domain.Tree, _ dispatch.Params) (any, error) {
		w, err := s.windowArg(t, "")
		if err != nil {
			return nil, err
		}
		return s.ids(model.KindWindow, w.ID, nil), nil
	}))

	s.registry.HandleV2("window.create", s.onTree(func(ctx context.Context, _ domain.Tree, _ dispatch.Params) (any, error) {
		w, err := s.model.CreateWindow()
		if err != nil {
			return nil, err
		}
		out := s.ids(model.KindWindow, w.ID, nil)
		if len(w.Workspaces) > 0 {
			s.ids(model.KindWorkspace, w.Workspaces[0].ID, out)
		}
		if focus.Allowed(ctx) {
			if err := s.model.FocusWindow(w.ID); err != nil {
				return nil, err
			}
		}
		return out, nil
	}))

	s.registry.HandleV2("window.focus", s.onTree(func(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		w, err := s.windowArg(t, p.First("window_id", "window"))
		if err != nil {
			return nil, err
		}
		applied := focus.Allowed(ctx)
		if applied {
			if err := s.model.FocusWindow(w.ID); err != nil {
				return nil, err
			}
		}
		return s.ids(model.KindWindow, w.ID, map[string]any{"focused": applied}), nil
	}))

	s.registry.HandleV2("window.close", func(ctx context.Context, p dispatch.Params) (any, error) {
		var browsers []uuid.UUID
		res, err := s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
			w, err := s.windowArg(t, p.First("window_id", "window"))
			if err != nil {
				return nil, err
			}
			for _, ws := range w.Workspaces {
				browsers = append(browsers, browserSurfaces(ws)...)
			}
			if err := s.model.CloseWindow(w.ID); err != nil {
				return nil, err
			}
			return s.ids(model.KindWindow, w.ID, map[string]any{"closed": true}), nil
		})(ctx, p)
		if err == nil {
			s.forget(browsers)
		}
		return res, err
	})
}

func (s *Server) registerWorkspaces() {
	s.registry.HandleV2("workspace.list", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		w, err := s.windowArg(t, p.First("window_id", "window"))
		if err != nil {
			return nil, err
		}
		items := make([]api.WorkspaceItem, 0, len(w.Workspaces))
		for i, ws := range w.Workspaces {
			items = append(items, s.workspaceItem(i, ws))
		}
		return s.ids(model.KindWindow, w.ID, map[string]any{"workspaces": items}), nil
	}))

	s.registry.HandleV2("workspace.current", s.onTree(func(_ context.Context, t domain.Tree, _ dispatch.Params) (any, error) {
		ws, err := s.workspaceArg(t, "")
		if err != nil {
			return nil, err
		}
		return s.workspaceResult(ws.ID, ws.WindowID, map[string]any{"title": ws.Title}), nil
	}))

	s.registry.HandleV2("workspace.create", s.onTree(func(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		w, err := s.windowArg(t, p.First("window_id", "window"))
		if err != nil {
			return nil, err
		}
		ws, err := s.model.CreateWorkspace(w.ID, p.String("title"))
		if err != nil {
			return nil, err
		}
		if focus.Allowed(ctx) {
			if err := s.model.SelectWorkspace(ws.ID); err != nil {
				return nil, err
			}
		}
		out := s.workspaceResult(ws.ID, ws.WindowID, map[string]any{"title": ws.Title})
		if pane, ok := ws.FocusedPane(); ok {
			s.ids(model.KindPane, pane.ID, out)
			if sn, ok := pane.FocusedSurface(); ok {
				s.ids(model.KindSurface, sn.ID, out)
			}
		}
		return out, nil
	}))

	s.registry.HandleV2("workspace.select", s.onTree(func(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		ws, err := s.requireWorkspace(t, p)
		if err != nil {
			return nil, err
		}
		return s.selectWorkspace(ctx, ws.ID, ws.WindowID)
	}))

	s.registry.HandleV2("workspace.close", func(ctx context.Context, p dispatch.Params) (any, error) {
		var browsers []uuid.UUID
		res, err := s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
			ws, err := s.requireWorkspace(t, p)
			if err != nil {
				return nil, err
			}
			browsers = browserSurfaces(ws)
			if err := s.model.CloseWorkspace(ws.ID); err != nil {
				return nil, err
			}
			return s.workspaceResult(ws.ID, ws.WindowID, map[string]any{"closed": true}), nil
		})(ctx, p)
		if err == nil {
			s.forget(browsers)
		}
		return res, err
	})

	s.registry.HandleV2("workspace.rename", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		title, err := p.Require("title")
		if err != nil {
			return nil, err
		}
		ws, err := s.workspaceArg(t, p.First("workspace_id", "workspace"))
		if err != nil {
			return nil, err
		}
		if err := s.model.RenameWorkspace(ws.ID, title); err != nil {
			return nil, err
		}
		return s.workspaceResult(ws.ID, ws.WindowID, map[string]any{"title": title}), nil
	}))

	s.registry.HandleV2("workspace.next", s.onTree(s.cycleWorkspace(1)))
	s.registry.HandleV2("workspace.previous", s.onTree(s.cycleWorkspace(-1)))

	s.registry.HandleV2("workspace.last", s.onTree(func(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		w, err := s.windowArg(t, p.First("window_id", "window"))
		if err != nil {
			return nil, err
		}
		id, err := s.model.LastWorkspace(w.ID)
		if err != nil {
			return nil, err
		}
		return s.selectWorkspace(ctx, id, w.ID)
	}))

	s.registry.HandleV2("workspace.reorder", s.onTree(s.reorderWorkspace))

	s.registry.HandleV2("workspace.move_to_window", s.onTree(func(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		ws, err := s.requireWorkspace(t, p)
		if err != nil {
			return nil, err
		}
		raw, err := p.Require("window_id")
		if err != nil {
			return nil, err
		}
		w, err := s.windowArg(t, raw)
		if err != nil {
			return nil, err
		}
		if err := s.model.MoveWorkspaceToWindow(ws.ID, w.ID); err != nil {
			return nil, err
		}
		want, err := p.Bool("focus")
		if err != nil {
			return nil, err
		}
		focused := want && focus.Allowed(ctx)
		if focused {
			if err := s.model.SelectWorkspace(ws.ID); err != nil {
				return nil, err
			}
		}
		return s.workspaceResult(ws.ID, w.ID, map[string]any{"focused": focused}), nil
	}))
}

func (s *Server) requireWorkspace(t domain.Tree, p dispatch.Params) (domain.WorkspaceNode, error) {
	raw := p.First("workspace_id", "workspace")
	if raw == "" {
		return domain.WorkspaceNode{}, model.InvalidParams("workspace_id is required")
	}
	return s.workspaceArg(t, raw)
}

func (s *Server) workspaceResult(id, windowID uuid.UUID, extra map[string]any) map[string]any {
	out := s.ids(model.KindWorkspace, id, extra)
	return s.ids(model.KindWindow, windowID, out)
}

// selectWorkspace changes the selection only when the running command may
// move focus; otherwise it reports the target without touching it.
func (s *Server) selectWorkspace(ctx context.Context, id, windowID uuid.UUID) (any, error) {
	applied := focus.Allowed(ctx)
	if applied {
		if err := s.model.SelectWorkspace(id); err != nil {
			return nil, err
		}
	}
	return s.workspaceResult(id, windowID, map[string]any{"selected": applied}), nil
}

func (s *Server) cycleWorkspace(delta int) treeFunc {
	return func(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		w, err := s.windowArg(t, p.First("window_id", "window"))
		if err != nil {
			return nil, err
		}
		id, err := s.model.AdjacentWorkspace(w.ID, delta)
		if err != nil {
			return nil, err
		}
		return s.selectWorkspace(ctx, id, w.ID)
	}
}

// reorderWorkspace accepts exactly one of index, before_workspace_id and
// after_workspace_id.
func (s *Server) reorderWorkspace(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
	ws, err := s.requireWorkspace(t, p)
	if err != nil {
		return nil, err
	}
	targets := 0
	for _, name := range []string{"index", "before_workspace_id", "after_workspace_id"} {
		if p.Has(name) {
			targets++
		}
	}
	if targets != 1 {
		return nil, model.InvalidParams("exactly one of index, before_workspace_id or after_workspace_id is required")
	}
	w, ok := t.Window(ws.WindowID)
	if !ok {
		return nil, model.NotFound("window %s not found", ws.WindowID)
	}
	position := func(id uuid.UUID) int {
		for i, x := range w.Workspaces {
			if x.ID == id {
				return i
			}
		}
		return -1
	}
	var index int
	switch {
	case p.Has("index"):
		if index, err = p.Int("index", 0); err != nil {
			return nil, err
		}
	default:
		before := p.Has("before_workspace_id")
		raw := p.String("after_workspace_id")
		if before {
			raw = p.String("before_workspace_id")
		}
		anchor, err := s.workspaceArg(t, raw)
		if err != nil {
			return nil, err
		}
		if anchor.WindowID != ws.WindowID {
			return nil, model.Errorf(model.ErrInvalidState, "workspace %s belongs to another window", raw)
		}
		from, to := position(ws.ID), position(anchor.ID)
		index = to
		if from < to && before {
			index = to - 1
		} else if from > to && !before {
			index = to + 1
		}
	}
	if err := s.model.ReorderWorkspace(ws.ID, index); err != nil {
		return nil, err
	}
	return s.workspaceResult(ws.ID, ws.WindowID, map[string]any{"index": index}), nil
}

// browserSurfaces lists the browser surfaces inside ws.
func browserSurfaces(ws domain.WorkspaceNode) []uuid.UUID {
	var out []uuid.UUID
	for _, sn := range workspaceSurfaces(ws) {
		if sn.Type == model.SurfaceBrowser {
			out = append(out, sn.ID)
		}
	}
	return out
}

// forget drops automation state for surfaces that no longer exist.
func (s *Server) forget(surfaces []uuid.UUID) {
	if s.browser == nil {
		return
	}
	for _, id := range surfaces {
		s.browser.Forget(id)
	}
}
