package daemon

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/api"
	"github.com/g960059/cmuxctl/internal/dispatch"
	"github.com/g960059/cmuxctl/internal/domain"
	"github.com/g960059/cmuxctl/internal/mainloop"
	"github.com/g960059/cmuxctl/internal/model"
)

type treeFunc func(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error)

// onTree runs fn on the main loop against a snapshot of the live tree.
func (s *Server) onTree(fn treeFunc) dispatch.HandlerFunc {
	return func(ctx context.Context, p dispatch.Params) (any, error) {
		return mainloop.Call(ctx, s.loop, func(ctx context.Context) (any, error) {
			return fn(ctx, s.model.Tree(), p)
		})
	}
}

func (s *Server) windowArg(t domain.Tree, raw string) (domain.WindowNode, error) {
	if strings.TrimSpace(raw) == "" {
		w, ok := t.KeyWindow()
		if !ok {
			return domain.WindowNode{}, model.NotFound("no window is open")
		}
		return w, nil
	}
	id, err := s.refs.Resolve(model.KindWindow, raw)
	if err != nil {
		return domain.WindowNode{}, err
	}
	w, ok := t.Window(id)
	if !ok {
		return domain.WindowNode{}, model.NotFound("window %q not found", raw)
	}
	return w, nil
}

// workspaceArg resolves raw, or returns the selected workspace of the key
// window when raw is empty.
func (s *Server) workspaceArg(t domain.Tree, raw string) (domain.WorkspaceNode, error) {
	if strings.TrimSpace(raw) == "" {
		ws, ok := t.CurrentWorkspace()
		if !ok {
			return domain.WorkspaceNode{}, model.NotFound("no workspace is selected")
		}
		return ws, nil
	}
	id, err := s.refs.Resolve(model.KindWorkspace, raw)
	if err != nil {
		return domain.WorkspaceNode{}, err
	}
	ws, ok := t.Workspace(id)
	if !ok {
		return domain.WorkspaceNode{}, model.NotFound("workspace %q not found", raw)
	}
	return ws, nil
}

// paneArg resolves raw, or returns the focused pane of the workspace named by
// wsRaw (the current workspace when empty).
func (s *Server) paneArg(t domain.Tree, raw, wsRaw string) (domain.PaneNode, error) {
	if strings.TrimSpace(raw) == "" {
		ws, err := s.workspaceArg(t, wsRaw)
		if err != nil {
			return domain.PaneNode{}, err
		}
		p, ok := ws.FocusedPane()
		if !ok {
			return domain.PaneNode{}, model.NotFound("workspace %s has no panes", ws.ID)
		}
		return p, nil
	}
	id, err := s.refs.Resolve(model.KindPane, raw)
	if err != nil {
		return domain.PaneNode{}, err
	}
	p, ok := t.Pane(id)
	if !ok {
		return domain.PaneNode{}, model.NotFound("pane %q not found", raw)
	}
	return p, nil
}

// surfaceArg resolves raw, or returns the focused surface of the workspace
// named by wsRaw (the current workspace when empty).
func (s *Server) surfaceArg(t domain.Tree, raw, wsRaw string) (domain.SurfaceNode, error) {
	if strings.TrimSpace(raw) == "" {
		p, err := s.paneArg(t, "", wsRaw)
		if err != nil {
			return domain.SurfaceNode{}, err
		}
		sn, ok := p.FocusedSurface()
		if !ok {
			return domain.SurfaceNode{}, model.NotFound("pane %s has no surfaces", p.ID)
		}
		return sn, nil
	}
	id, err := s.refs.Resolve(model.KindSurface, raw)
	if err != nil {
		return domain.SurfaceNode{}, err
	}
	sn, ok := t.Surface(id)
	if !ok {
		return domain.SurfaceNode{}, model.NotFound("surface %q not found", raw)
	}
	return sn, nil
}

// workspaceSurfaces flattens the surfaces of ws in pane order.
func workspaceSurfaces(ws domain.WorkspaceNode) []domain.SurfaceNode {
	var out []domain.SurfaceNode
	for _, p := range ws.Panes {
		out = append(out, p.Surfaces...)
	}
	return out
}

// byIndex maps a decimal index to an entry of ids. Non-numeric input is
// returned unchanged so refs and UUIDs pass through.
func byIndex(raw string, ids []uuid.UUID) (string, error) {
	raw = strings.TrimSpace(raw)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return raw, nil
	}
	if n < 0 || n >= len(ids) {
		return "", model.NotFound("index %d out of range", n)
	}
	return ids[n].String(), nil
}

func (s *Server) windowItem(i int, w domain.WindowNode) api.WindowItem {
	return api.WindowItem{
		ID:             w.ID.String(),
		Ref:            s.refs.Ref(model.KindWindow, w.ID),
		Index:          i,
		Key:            w.Key,
		WorkspaceCount: len(w.Workspaces),
	}
}

func (s *Server) workspaceItem(i int, ws domain.WorkspaceNode) api.WorkspaceItem {
	return api.WorkspaceItem{
		ID:        ws.ID.String(),
		Ref:       s.refs.Ref(model.KindWorkspace, ws.ID),
		Index:     i,
		Title:     ws.Title,
		Selected:  ws.Selected,
		WindowID:  ws.WindowID.String(),
		WindowRef: s.refs.Ref(model.KindWindow, ws.WindowID),
		PaneCount: len(ws.Panes),
	}
}

func (s *Server) paneItem(i int, p domain.PaneNode) api.PaneItem {
	return api.PaneItem{
		ID:           p.ID.String(),
		Ref:          s.refs.Ref(model.KindPane, p.ID),
		Index:        i,
		Focused:      p.Focused,
		Width:        p.Width,
		Height:       p.Height,
		WorkspaceID:  p.WorkspaceID.String(),
		WorkspaceRef: s.refs.Ref(model.KindWorkspace, p.WorkspaceID),
		SurfaceCount: len(p.Surfaces),
	}
}

func (s *Server) surfaceItem(i int, sn domain.SurfaceNode) api.SurfaceItem {
	return api.SurfaceItem{
		ID:      sn.ID.String(),
		Ref:     s.refs.Ref(model.KindSurface, sn.ID),
		Index:   i,
		Type:    string(sn.Type),
		Title:   sn.Title,
		URL:     sn.URL,
		Focused: sn.Focused,
		PaneID:  sn.PaneID.String(),
		PaneRef: s.refs.Ref(model.KindPane, sn.PaneID),
	}
}

// ids renders an entity as the {<kind>_id, <kind>_ref} pair used in results.
func (s *Server) ids(kind model.Kind, id uuid.UUID, into map[string]any) map[string]any {
	if into == nil {
		into = map[string]any{}
	}
	into[string(kind)+"_id"] = id.String()
	into[string(kind)+"_ref"] = s.refs.Ref(kind, id)
	return into
}
