package daemon

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/api"
	"github.com/g960059/cmuxctl/internal/dispatch"
	"github.com/g960059/cmuxctl/internal/domain"
	"github.com/g960059/cmuxctl/internal/model"
)

func (s *Server) registerNotifications() {
	s.registry.HandleV2("notification.create", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		return s.addNotification(t, p, uuid.Nil)
	}))

	s.registry.HandleV2("notification.create_for_surface", s.onTree(func(_ context.Context, t domain.Tree, p dispatch.Params) (any, error) {
		raw := p.First("surface_id", "surface")
		if raw == "" {
			return nil, model.InvalidParams("surface_id is required")
		}
		sn, err := s.surfaceArg(t, raw, "")
		if err != nil {
			return nil, err
		}
		return s.addNotification(t, p, sn.ID)
	}))

	s.registry.HandleV2("notification.list", s.onTree(func(_ context.Context, t domain.Tree, _ dispatch.Params) (any, error) {
		list := s.model.Notifications()
		items := make([]api.NotificationItem, 0, len(list))
		for _, n := range list {
			items = append(items, s.notificationItem(t, n))
		}
		return map[string]any{"notifications": items}, nil
	}))

	s.registry.HandleV2("notification.clear", s.onTree(func(context.Context, domain.Tree, dispatch.Params) (any, error) {
		return map[string]any{"cleared": s.model.ClearNotifications()}, nil
	}))
}

func (s *Server) addNotification(t domain.Tree, p dispatch.Params, surfaceID uuid.UUID) (any, error) {
	title, err := p.Require("title")
	if err != nil {
		return nil, err
	}
	n, err := s.model.AddNotification(domain.Notification{
		Title:     title,
		Subtitle:  p.String("subtitle"),
		Body:      p.String("body"),
		SurfaceID: surfaceID,
	})
	if err != nil {
		return nil, err
	}
	item := s.notificationItem(t, n)
	return map[string]any{"notification_id": item.ID, "notification": item}, nil
}

// notificationItem only renders refs for entities that still exist.
func (s *Server) notificationItem(t domain.Tree, n domain.Notification) api.NotificationItem {
	item := api.NotificationItem{
		ID:        n.ID.String(),
		Title:     n.Title,
		Subtitle:  n.Subtitle,
		Body:      n.Body,
		CreatedAt: n.CreatedAt.Format(time.RFC3339Nano),
	}
	if n.WorkspaceID != uuid.Nil {
		item.WorkspaceID = n.WorkspaceID.String()
		if _, ok := t.Workspace(n.WorkspaceID); ok {
			item.WorkspaceRef = s.refs.Ref(model.KindWorkspace, n.WorkspaceID)
		}
	}
	if n.SurfaceID != uuid.Nil {
		item.SurfaceID = n.SurfaceID.String()
		if _, ok := t.Surface(n.SurfaceID); ok {
			item.SurfaceRef = s.refs.Ref(model.KindSurface, n.SurfaceID)
		}
	}
	return item
}
