package daemon

import (
	"context"
	"errors"
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

const defaultResizeAmount = 5

func (s *Server) registerPanes() {
	s.registry.HandleV2("pane.list", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		ws, err := s.workspaceArg(t, p.First("workspace_id", "workspace"))
		if err != nil {
			return nil, err
		}
		items := make([]api.PaneItem, 0, len(ws.Panes))
		for i, pane := range ws.Panes {
			items = append(items, s.paneItem(i, pane))
		}
		return s.ids(model.KindWorkspace, ws.ID, map[string]any{"panes": items}), nil
	}))

	s.registry.HandleV2("pane.create", func(ctx context.Context, p dispatch.Params) (any, error) {
		dir, typ, url, err := splitParams(p)
		if err != nil {
			return nil, err
		}
		res, err := mainloop.Call(ctx, s.loop, func(context.Context) (map[string]any, error) {
			ws, err := s.workspaceArg(s.model.Tree(), p.First("workspace_id", "workspace"))
			if err != nil {
				return nil, err
			}
			return s.createPane(ws.ID, dir, typ, url)
		})
		if err != nil {
			return nil, err
		}
		return s.attachNew(ctx, res)
	})

	s.registry.HandleV2("pane.focus", s.onTree(func(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		pane, err := s.requirePane(t, p, "pane_id")
		if err != nil {
			return nil, err
		}
		return s.focusPane(ctx, pane.ID)
	}))

	s.registry.HandleV2("pane.last", s.onTree(func(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		ws, err := s.workspaceArg(t, p.First("workspace_id", "workspace"))
		if err != nil {
			return nil, err
		}
		id, err := s.model.LastPane(ws.ID)
		if err != nil {
			return nil, err
		}
		return s.focusPane(ctx, id)
	}))

	s.registry.HandleV2("pane.close", func(ctx context.Context, p dispatch.Params) (any, error) {
		var browsers []uuid.UUID
		res, err := s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
			pane, err := s.requirePane(t, p, "pane_id")
			if err != nil {
				return nil, err
			}
			for _, sn := range pane.Surfaces {
				if sn.Type == model.SurfaceBrowser {
					browsers = append(browsers, sn.ID)
				}
			}
			if err := s.model.ClosePane(pane.ID); err != nil {
				return nil, err
			}
			return s.ids(model.KindPane, pane.ID, map[string]any{"closed": true}), nil
		})(ctx, p)
		if err == nil {
			s.forget(browsers)
		}
		return res, err
	})

	s.registry.HandleV2("pane.resize", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		pane, err := s.paneArg(t, p.First("pane_id", "pane"), p.String("workspace_id"))
		if err != nil {
			return nil, err
		}
		dir, ok := model.ParseSplitDirection(strings.ToLower(p.String("direction")))
		if !ok {
			return nil, model.InvalidParams("direction must be one of left, right, up, down")
		}
		amount, err := p.Int("amount", defaultResizeAmount)
		if err != nil {
			return nil, err
		}
		if amount <= 0 {
			return nil, model.InvalidParams("amount must be positive")
		}
		if err := s.model.ResizePane(pane.ID, dir, amount); err != nil {
			return nil, err
		}
		resized, _ := s.model.Tree().Pane(pane.ID)
		return s.ids(model.KindPane, pane.ID, map[string]any{"width": resized.Width, "height": resized.Height}), nil
	}))

	s.registry.HandleV2("pane.swap", s.onTree(s.swapPanes))

	s.registry.HandleV2("pane.break", s.onTree(s.breakPane))

	s.registry.HandleV2("pane.join", s.onTree(s.joinPane))

	s.registry.HandleV2("pane.surfaces", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		pane, err := s.paneArg(t, p.First("pane_id", "pane"), p.String("workspace_id"))
		if err != nil {
			return nil, err
		}
		items := make([]api.PaneSurfaceItem, 0, len(pane.Surfaces))
		for i, sn := range pane.Surfaces {
			items = append(items, api.PaneSurfaceItem{SurfaceItem: s.surfaceItem(i, sn), Selected: sn.Focused})
		}
		return s.ids(model.KindPane, pane.ID, map[string]any{"surfaces": items}), nil
	}))
}

func (s *Server) requirePane(t domain.Tree, p dispatch.Params, name string) (domain.PaneNode, error) {
	raw := p.String(name)
	if raw == "" {
		return domain.PaneNode{}, model.InvalidParams("%s is required", name)
	}
	return s.paneArg(t, raw, "")
}

func (s *Server) focusPane(ctx context.Context, id uuid.UUID) (any, error) {
	applied := focus.Allowed(ctx)
	if applied {
		if err := s.model.FocusPane(id); err != nil {
			return nil, err
		}
	}
	return s.ids(model.KindPane, id, map[string]any{"focused": applied}), nil
}

// splitParams reads direction (default right), type (default terminal) and
// url for pane-creating methods.
func splitParams(p dispatch.Params) (model.SplitDirection, model.SurfaceType, string, error) {
	rawDir := strings.ToLower(p.String("direction"))
	if rawDir == "" {
		rawDir = string(model.SplitRight)
	}
	dir, ok := model.ParseSplitDirection(rawDir)
	if !ok {
		return "", "", "", model.InvalidParams("direction must be one of left, right, up, down")
	}
	typ, err := surfaceType(p.First("type", "panel_type"))
	if err != nil {
		return "", "", "", err
	}
	return dir, typ, p.String("url"), nil
}

func surfaceType(raw string) (model.SurfaceType, error) {
	switch model.SurfaceType(strings.ToLower(raw)) {
	case "", model.SurfaceTerminal:
		return model.SurfaceTerminal, nil
	case model.SurfaceBrowser:
		return model.SurfaceBrowser, nil
	default:
		return "", model.InvalidParams("type must be terminal or browser")
	}
}

// createPane must run on the main loop.
func (s *Server) createPane(workspaceID uuid.UUID, dir model.SplitDirection, typ model.SurfaceType, url string) (map[string]any, error) {
	pane, err := s.model.CreatePane(workspaceID, dir, typ, url)
	if err != nil {
		return nil, err
	}
	out := s.ids(model.KindPane, pane.ID, map[string]any{"type": string(typ), "direction": string(dir)})
	s.ids(model.KindWorkspace, workspaceID, out)
	if sn, ok := pane.FocusedSurface(); ok {
		s.ids(model.KindSurface, sn.ID, out)
	}
	if url != "" {
		out["url"] = url
	}
	return out, nil
}

// swapPanes exchanges the surfaces of two panes. Each pane gets a placeholder
// surface first so neither is ever empty; any failure moves everything back.
func (s *Server) swapPanes(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
	src, err := s.requirePane(t, p, "pane_id")
	if err != nil {
		return nil, err
	}
	dst, err := s.requirePane(t, p, "target_pane_id")
	if err != nil {
		return nil, err
	}
	if src.ID == dst.ID {
		return nil, model.InvalidParams("cannot swap a pane with itself")
	}
	wantFocus, err := p.Bool("focus")
	if err != nil {
		return nil, err
	}

	srcHold, err := s.model.CreateSurface(src.ID, model.SurfaceTerminal, "")
	if err != nil {
		return nil, fmt.Errorf("swap panes: placeholder: %w", err)
	}
	dstHold, err := s.model.CreateSurface(dst.ID, model.SurfaceTerminal, "")
	if err != nil {
		_ = s.model.CloseSurface(srcHold.ID)
		return nil, fmt.Errorf("swap panes: placeholder: %w", err)
	}

	type move struct {
		surface uuid.UUID
		from    uuid.UUID
		index   int
	}
	var moved []move
	rollback := func(cause error) error {
		errs := []error{cause}
		for i := len(moved) - 1; i >= 0; i-- {
			m := moved[i]
			if err := s.model.MoveSurface(m.surface, m.from, m.index); err != nil {
				errs = append(errs, err)
			}
		}
		for _, id := range []uuid.UUID{srcHold.ID, dstHold.ID} {
			if err := s.model.CloseSurface(id); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 1 {
			s.logger.Error("pane swap rollback incomplete", "pane_id", src.ID, "target_pane_id", dst.ID, "error", errors.Join(errs[1:]...))
		}
		return fmt.Errorf("swap panes: %w", cause)
	}

	for i, sn := range src.Surfaces {
		if err := s.model.MoveSurface(sn.ID, dst.ID, -1); err != nil {
			return nil, rollback(err)
		}
		moved = append(moved, move{surface: sn.ID, from: src.ID, index: i})
	}
	for i, sn := range dst.Surfaces {
		if err := s.model.MoveSurface(sn.ID, src.ID, -1); err != nil {
			return nil, rollback(err)
		}
		moved = append(moved, move{surface: sn.ID, from: dst.ID, index: i})
	}
	if err := s.model.CloseSurface(srcHold.ID); err != nil {
		return nil, rollback(err)
	}
	if err := s.model.CloseSurface(dstHold.ID); err != nil {
		// srcHold is gone; recreate it so rollback leaves src non-empty.
		hold, herr := s.model.CreateSurface(src.ID, model.SurfaceTerminal, "")
		if herr == nil {
			srcHold = hold
		}
		return nil, rollback(err)
	}

	focused := wantFocus && focus.Allowed(ctx)
	if focused {
		if err := s.model.FocusPane(dst.ID); err != nil {
			return nil, err
		}
	}
	out := s.ids(model.KindPane, src.ID, map[string]any{"focused": focused})
	out["target_pane_id"] = dst.ID.String()
	out["target_pane_ref"] = s.refs.Ref(model.KindPane, dst.ID)
	return out, nil
}

// breakPane moves surface_id, or the focused surface of pane_id, into a new
// workspace of the same window.
func (s *Server) breakPane(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
	sn, err := s.surfaceOrPaneArg(t, p)
	if err != nil {
		return nil, err
	}
	want, err := p.Bool("focus")
	if err != nil {
		return nil, err
	}
	ws, err := s.model.BreakSurface(sn.ID)
	if err != nil {
		return nil, err
	}
	focused := want && focus.Allowed(ctx)
	if focused {
		if err := s.model.FocusSurface(sn.ID); err != nil {
			return nil, err
		}
	}
	out := s.workspaceResult(ws.ID, ws.WindowID, map[string]any{"focused": focused})
	s.ids(model.KindSurface, sn.ID, out)
	if len(ws.Panes) > 0 {
		s.ids(model.KindPane, ws.Panes[0].ID, out)
	}
	return out, nil
}

// joinPane moves surface_id into target_pane_id, or every surface of pane_id
// (default: the focused pane) when no surface is named.
func (s *Server) joinPane(ctx context.Context, t domain.Tree, p dispatch.Params) (any, error) {
	dst, err := s.requirePane(t, p, "target_pane_id")
	if err != nil {
		return nil, err
	}
	want, err := p.Bool("focus")
	if err != nil {
		return nil, err
	}

	var moved []uuid.UUID
	if raw := p.First("surface_id", "surface"); raw != "" {
		sn, err := s.surfaceArg(t, raw, "")
		if err != nil {
			return nil, err
		}
		if sn.PaneID == dst.ID {
			return nil, model.InvalidParams("surface is already in the target pane")
		}
		if err := s.model.JoinSurface(sn.ID, dst.ID); err != nil {
			return nil, err
		}
		moved = append(moved, sn.ID)
	} else {
		src, err := s.paneArg(t, p.First("pane_id", "pane"), "")
		if err != nil {
			return nil, err
		}
		if src.ID == dst.ID {
			return nil, model.InvalidParams("cannot join a pane into itself")
		}
		if err := s.model.JoinPane(src.ID, dst.ID); err != nil {
			return nil, err
		}
		for _, sn := range src.Surfaces {
			moved = append(moved, sn.ID)
		}
	}

	focused := want && focus.Allowed(ctx) && len(moved) > 0
	if focused {
		if err := s.model.FocusSurface(moved[0]); err != nil {
			return nil, err
		}
	}
	surfaceRefs := make([]string, 0, len(moved))
	for _, id := range moved {
		surfaceRefs = append(surfaceRefs, s.refs.Ref(model.KindSurface, id))
	}
	out := s.ids(model.KindPane, dst.ID, map[string]any{"focused": focused, "surface_refs": surfaceRefs})
	return s.ids(model.KindSurface, moved[0], out), nil
}

// surfaceOrPaneArg resolves surface_id, else the focused surface of pane_id,
// else the current surface.
func (s *Server) surfaceOrPaneArg(t domain.Tree, p dispatch.Params) (domain.SurfaceNode, error) {
	if raw := p.First("surface_id", "surface"); raw != "" {
		return s.surfaceArg(t, raw, "")
	}
	pane, err := s.paneArg(t, p.First("pane_id", "pane"), p.String("workspace_id"))
	if err != nil {
		return domain.SurfaceNode{}, err
	}
	sn, ok := pane.FocusedSurface()
	if !ok {
		return domain.SurfaceNode{}, model.NotFound("pane %s has no surfaces", pane.ID)
	}
	return sn, nil
}
