package daemon

import (
	"context"
	"os"

	"github.com/g960059/cmuxctl/internal/api"
	"github.com/g960059/cmuxctl/internal/browser"
	"github.com/g960059/cmuxctl/internal/db"
	"github.com/g960059/cmuxctl/internal/dispatch"
	"github.com/g960059/cmuxctl/internal/domain"
	"github.com/g960059/cmuxctl/internal/model"
)

const maxJournalLimit = 1000

func (s *Server) registerSystem() {
	s.registry.HandleV2("system.ping", func(context.Context, dispatch.Params) (any, error) {
		return map[string]any{"pong": true}, nil
	})
	s.registry.HandleV2("system.capabilities", s.capabilities)
	s.registry.HandleV2("system.identify", s.onTree(s.identify))
	s.registry.HandleV2("system.journal", s.journal)
	s.registry.HandleV2("auth.login", s.authLogin)
}

func (s *Server) capabilities(context.Context, dispatch.Params) (any, error) {
	return api.Capabilities{
		Protocol:    api.ProtocolName,
		Version:     api.ProtocolVersion,
		AppVersion:  s.version,
		SocketPath:  s.cfg.SocketPath,
		AccessMode:  string(s.cfg.AccessMode),
		Methods:     s.registry.Methods(),
		V1Commands:  s.registry.Commands(),
		Unsupported: browser.UnsupportedMethods(),
	}, nil
}

func (s *Server) identify(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
	focused := map[string]any{}
	if w, ok := t.KeyWindow(); ok {
		s.ids(model.KindWindow, w.ID, focused)
	}
	if ws, ok := t.CurrentWorkspace(); ok {
		s.ids(model.KindWorkspace, ws.ID, focused)
		if pane, ok := ws.FocusedPane(); ok {
			s.ids(model.KindPane, pane.ID, focused)
			if sn, ok := pane.FocusedSurface(); ok {
				s.ids(model.KindSurface, sn.ID, focused)
				focused["surface_type"] = string(sn.Type)
			}
		}
	}
	out := map[string]any{
		"app":         "cmuxctl",
		"version":     s.version,
		"pid":         os.Getpid(),
		"socket_path": s.cfg.SocketPath,
		"access_mode": string(s.cfg.AccessMode),
		"focused":     focused,
	}
	if p.Has("caller") {
		var caller struct {
			Caller map[string]any `json:"caller"`
		}
		if err := p.Decode(&caller); err != nil {
			return nil, err
		}
		out["caller"] = caller.Caller
	}
	return out, nil
}

func (s *Server) journal(ctx context.Context, p dispatch.Params) (any, error) {
	if s.store == nil {
		return nil, model.Errorf(model.ErrUnavailable, "command journal is disabled")
	}
	limit, err := p.Int("limit", 50)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxJournalLimit {
		return nil, model.InvalidParams("limit must be between 1 and %d", maxJournalLimit)
	}
	failedOnly, err := p.Bool("failed_only")
	if err != nil {
		return nil, err
	}
	entries, err := s.store.Recent(ctx, db.JournalFilter{Method: p.String("method"), FailedOnly: failedOnly, Limit: limit})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []api.JournalEntry{}
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}

func (s *Server) authLogin(ctx context.Context, p dispatch.Params) (any, error) {
	password := p.String("password")
	if s.cfg.AccessMode == model.AccessPassword && password == "" && s.cfg.Password != "" {
		return nil, model.InvalidParams("password is required")
	}
	required, err := s.login(ctx, password)
	if err != nil {
		return nil, err
	}
	return map[string]any{"authenticated": true, "required": required}, nil
}
