package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/domain"
	"github.com/g960059/cmuxctl/internal/mainloop"
	"github.com/g960059/cmuxctl/internal/model"
	"github.com/g960059/cmuxctl/internal/wire"
)

// registerV1 wires the line protocol. Every command except ping, auth and
// help is a thin adapter over a v2 handler invoked through Registry.Call.
func (s *Server) registerV1() {
	s.registry.HandleV1("ping", func(context.Context, wire.Command) (string, error) {
		return "PONG", nil
	})

	s.registry.HandleV1("auth", func(ctx context.Context, cmd wire.Command) (string, error) {
		if s.cfg.AccessMode == model.AccessPassword && cmd.Rest == "" {
			return "", model.InvalidParams("Usage: auth <password>")
		}
		required, err := s.login(ctx, cmd.Rest)
		if err != nil {
			return "", err
		}
		if !required {
			return "OK Authentication not required", nil
		}
		return "OK Authenticated", nil
	})

	s.registry.HandleV1("help", func(context.Context, wire.Command) (string, error) {
		return "Commands: " + strings.Join(s.registry.Commands(), ", "), nil
	})

	s.registry.HandleV1("identify", func(ctx context.Context, _ wire.Command) (string, error) {
		res, err := s.registry.Call(ctx, "system.identify", nil)
		if err != nil {
			return "", err
		}
		body, err := json.Marshal(res)
		if err != nil {
			return "", model.Errorf(model.ErrEncode, "encode identify: %v", err)
		}
		return string(body), nil
	})

	s.registry.HandleV1("list_windows", func(ctx context.Context, _ wire.Command) (string, error) {
		t, err := s.tree(ctx)
		if err != nil {
			return "", err
		}
		if len(t.Windows) == 0 {
			return "No windows", nil
		}
		lines := make([]string, 0, len(t.Windows))
		for i, w := range t.Windows {
			lines = append(lines, fmt.Sprintf("%s%d: %s [%d workspaces]", marker(w.Key), i, w.ID, len(w.Workspaces)))
		}
		return strings.Join(lines, "\n"), nil
	})

	s.registry.HandleV1("focus_window", func(ctx context.Context, cmd wire.Command) (string, error) {
		raw, err := s.v1Target(ctx, cmd, "window", func(t domain.Tree) []uuid.UUID {
			out := make([]uuid.UUID, 0, len(t.Windows))
			for _, w := range t.Windows {
				out = append(out, w.ID)
			}
			return out
		})
		if err != nil {
			return "", err
		}
		return s.v1OK(ctx, "window.focus", map[string]any{"window_id": raw})
	})

	s.registry.HandleV1("list_workspaces", func(ctx context.Context, _ wire.Command) (string, error) {
		t, err := s.tree(ctx)
		if err != nil {
			return "", err
		}
		w, ok := t.KeyWindow()
		if !ok || len(w.Workspaces) == 0 {
			return "No workspaces", nil
		}
		lines := make([]string, 0, len(w.Workspaces))
		for i, ws := range w.Workspaces {
			lines = append(lines, fmt.Sprintf("%s%d: %s %s", marker(ws.Selected), i, ws.ID, ws.Title))
		}
		return strings.Join(lines, "\n"), nil
	})

	s.registry.HandleV1("new_workspace", func(ctx context.Context, cmd wire.Command) (string, error) {
		res, err := s.registry.CallMap(ctx, "workspace.create", map[string]any{"title": cmd.Rest})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("OK %v", res["workspace_id"]), nil
	})

	s.registry.HandleV1("select_workspace", func(ctx context.Context, cmd wire.Command) (string, error) {
		raw, err := s.v1Target(ctx, cmd, "workspace", keyWindowWorkspaces)
		if err != nil {
			return "", err
		}
		return s.v1OK(ctx, "workspace.select", map[string]any{"workspace_id": raw})
	})

	s.registry.HandleV1("close_workspace", func(ctx context.Context, cmd wire.Command) (string, error) {
		raw, err := s.v1Target(ctx, cmd, "workspace", keyWindowWorkspaces)
		if err != nil {
			return "", err
		}
		return s.v1OK(ctx, "workspace.close", map[string]any{"workspace_id": raw})
	})

	s.registry.HandleV1("current_workspace", func(ctx context.Context, _ wire.Command) (string, error) {
		res, err := s.registry.CallMap(ctx, "workspace.current", nil)
		if err != nil {
			return "", err
		}
		return fmt.Sprint(res["workspace_id"]), nil
	})

	s.registry.HandleV1("list_panes", func(ctx context.Context, _ wire.Command) (string, error) {
		t, err := s.tree(ctx)
		if err != nil {
			return "", err
		}
		ws, ok := t.CurrentWorkspace()
		if !ok {
			return "", model.NotFound("No workspace selected")
		}
		if len(ws.Panes) == 0 {
			return "No panes", nil
		}
		lines := make([]string, 0, len(ws.Panes))
		for i, p := range ws.Panes {
			lines = append(lines, fmt.Sprintf("%s%d: %s [%d surfaces]", marker(p.Focused), i, p.ID, len(p.Surfaces)))
		}
		return strings.Join(lines, "\n"), nil
	})

	s.registry.HandleV1("focus_pane", func(ctx context.Context, cmd wire.Command) (string, error) {
		raw, err := s.v1Target(ctx, cmd, "pane", func(t domain.Tree) []uuid.UUID {
			ws, _ := t.CurrentWorkspace()
			out := make([]uuid.UUID, 0, len(ws.Panes))
			for _, p := range ws.Panes {
				out = append(out, p.ID)
			}
			return out
		})
		if err != nil {
			return "", err
		}
		return s.v1OK(ctx, "pane.focus", map[string]any{"pane_id": raw})
	})

	s.registry.HandleV1("list_surfaces", func(ctx context.Context, cmd wire.Command) (string, error) {
		t, err := s.tree(ctx)
		if err != nil {
			return "", err
		}
		wsRaw := ""
		if len(cmd.Args) > 0 {
			if wsRaw, err = byIndex(cmd.Args[0], keyWindowWorkspaces(t)); err != nil {
				return "", model.NotFound("Workspace not found")
			}
		}
		ws, err := s.workspaceArg(t, wsRaw)
		if err != nil {
			return "", model.NotFound("Workspace not found")
		}
		all := workspaceSurfaces(ws)
		if len(all) == 0 {
			return "No surfaces", nil
		}
		focused := uuid.Nil
		if p, ok := ws.FocusedPane(); ok {
			if sn, ok := p.FocusedSurface(); ok {
				focused = sn.ID
			}
		}
		lines := make([]string, 0, len(all))
		for i, sn := range all {
			lines = append(lines, fmt.Sprintf("%s%d: %s", marker(sn.ID == focused), i, sn.ID))
		}
		return strings.Join(lines, "\n"), nil
	})

	s.registry.HandleV1("focus_surface", func(ctx context.Context, cmd wire.Command) (string, error) {
		raw, err := s.v1Target(ctx, cmd, "surface", currentSurfaces)
		if err != nil {
			return "", err
		}
		return s.v1OK(ctx, "surface.focus", map[string]any{"surface_id": raw})
	})

	s.registry.HandleV1("close_surface", func(ctx context.Context, cmd wire.Command) (string, error) {
		params := map[string]any{}
		if len(cmd.Args) > 0 {
			raw, err := s.v1Target(ctx, cmd, "surface", currentSurfaces)
			if err != nil {
				return "", err
			}
			params["surface_id"] = raw
		}
		return s.v1OK(ctx, "surface.close", params)
	})

	s.registry.HandleV1("new_split", func(ctx context.Context, cmd wire.Command) (string, error) {
		if len(cmd.Args) == 0 {
			return "", model.InvalidParams("Usage: new_split <left|right|up|down>")
		}
		res, err := s.registry.CallMap(ctx, "surface.split", map[string]any{"direction": cmd.Args[0]})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("OK %v", res["surface_id"]), nil
	})

	s.registry.HandleV1("send", func(ctx context.Context, cmd wire.Command) (string, error) {
		if cmd.Rest == "" {
			return "", model.InvalidParams("Usage: send <text>")
		}
		return s.v1OK(ctx, "surface.send_text", map[string]any{"text": wire.Unescape(cmd.Rest)})
	})

	s.registry.HandleV1("send_surface", func(ctx context.Context, cmd wire.Command) (string, error) {
		target, text, ok := strings.Cut(cmd.Rest, " ")
		if !ok || text == "" {
			return "", model.InvalidParams("Usage: send_surface <id|ref|index> <text>")
		}
		raw, err := s.v1Index(ctx, target, currentSurfaces)
		if err != nil {
			return "", err
		}
		return s.v1OK(ctx, "surface.send_text", map[string]any{"surface_id": raw, "text": wire.Unescape(text)})
	})

	s.registry.HandleV1("send_key", func(ctx context.Context, cmd wire.Command) (string, error) {
		if len(cmd.Args) != 1 {
			return "", model.InvalidParams("Usage: send_key <key>")
		}
		return s.v1OK(ctx, "surface.send_key", map[string]any{"key": wire.Unescape(cmd.Args[0])})
	})

	s.registry.HandleV1("send_key_surface", func(ctx context.Context, cmd wire.Command) (string, error) {
		if len(cmd.Args) != 2 {
			return "", model.InvalidParams("Usage: send_key_surface <id|ref|index> <key>")
		}
		raw, err := s.v1Index(ctx, cmd.Args[0], currentSurfaces)
		if err != nil {
			return "", err
		}
		return s.v1OK(ctx, "surface.send_key", map[string]any{"surface_id": raw, "key": wire.Unescape(cmd.Args[1])})
	})

	s.registry.HandleV1("read_screen", func(ctx context.Context, cmd wire.Command) (string, error) {
		params := map[string]any{}
		if len(cmd.Args) > 0 {
			raw, err := s.v1Index(ctx, cmd.Args[0], currentSurfaces)
			if err != nil {
				return "", err
			}
			params["surface_id"] = raw
		}
		res, err := s.registry.CallMap(ctx, "surface.read_text", params)
		if err != nil {
			return "", err
		}
		text, _ := res["text"].(string)
		return text, nil
	})
}

func (s *Server) tree(ctx context.Context) (domain.Tree, error) {
	return mainloop.Call(ctx, s.loop, func(context.Context) (domain.Tree, error) {
		return s.model.Tree(), nil
	})
}

// v1Target reads the single required argument of cmd and maps a numeric
// index through list.
func (s *Server) v1Target(ctx context.Context, cmd wire.Command, noun string, list func(domain.Tree) []uuid.UUID) (string, error) {
	if len(cmd.Args) != 1 {
		return "", model.InvalidParams("Usage: %s <id|ref|index>", cmd.Name)
	}
	raw, err := s.v1Index(ctx, cmd.Args[0], list)
	if err != nil {
		return "", v1LookupError(noun, err)
	}
	return raw, nil
}

// v1LookupError words a missing target the way v1 clients expect. Other
// failures pass through unchanged.
func v1LookupError(noun string, err error) error {
	if model.CodeOf(err) != model.ErrNotFound {
		return err
	}
	return model.NotFound("%s%s not found", strings.ToUpper(noun[:1]), noun[1:])
}

func (s *Server) v1Index(ctx context.Context, arg string, list func(domain.Tree) []uuid.UUID) (string, error) {
	t, err := s.tree(ctx)
	if err != nil {
		return "", err
	}
	return byIndex(arg, list(t))
}

func (s *Server) v1OK(ctx context.Context, method string, params map[string]any) (string, error) {
	if _, err := s.registry.Call(ctx, method, params); err != nil {
		return "", err
	}
	return "OK", nil
}

func keyWindowWorkspaces(t domain.Tree) []uuid.UUID {
	w, _ := t.KeyWindow()
	out := make([]uuid.UUID, 0, len(w.Workspaces))
	for _, ws := range w.Workspaces {
		out = append(out, ws.ID)
	}
	return out
}

func currentSurfaces(t domain.Tree) []uuid.UUID {
	ws, _ := t.CurrentWorkspace()
	var out []uuid.UUID
	for _, sn := range workspaceSurfaces(ws) {
		out = append(out, sn.ID)
	}
	return out
}

func marker(selected bool) string {
	if selected {
		return "* "
	}
	return "  "
}
