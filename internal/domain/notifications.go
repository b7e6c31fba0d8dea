package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NotificationLimit caps the notifications Memory keeps; the oldest are
// dropped first.
const NotificationLimit = 100

// AddNotification stores n with a fresh ID. A SurfaceID must name a live
// surface; its workspace is filled in.
func (m *Memory) AddNotification(n Notification) (Notification, error) {
	if strings.TrimSpace(n.Title) == "" {
		return Notification{}, fmt.Errorf("%w: notification title must not be empty", ErrInvalidState)
	}
	if n.SurfaceID != uuid.Nil {
		s, err := m.surface(n.SurfaceID)
		if err != nil {
			return Notification{}, err
		}
		n.WorkspaceID = s.pane.workspace.id
	}
	n.ID = uuid.New()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	m.notifications = append(m.notifications, n)
	if over := len(m.notifications) - NotificationLimit; over > 0 {
		m.notifications = slices.Delete(m.notifications, 0, over)
	}
	return n, nil
}

// Notifications returns the stored notifications, oldest first.
func (m *Memory) Notifications() []Notification {
	return slices.Clone(m.notifications)
}

// ClearNotifications drops every notification and reports how many there were.
func (m *Memory) ClearNotifications() int {
	n := len(m.notifications)
	m.notifications = nil
	return n
}
