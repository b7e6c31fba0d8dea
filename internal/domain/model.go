// Package domain describes the window/workspace/pane/surface model the control
// plane drives, and ships an in-memory implementation of it.
package domain

import (
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/model"
)

var (
	ErrNotFound     = errors.New("domain: not found")
	ErrInvalidState = errors.New("domain: invalid state")
)

// Model is the set of operations the control plane performs on the host
// application. Implementations are not safe for concurrent use; every call is
// made from the main loop.
type Model interface {
	Tree() Tree

	CreateWindow() (WindowNode, error)
	FocusWindow(id uuid.UUID) error
	CloseWindow(id uuid.UUID) error

	CreateWorkspace(windowID uuid.UUID, title string) (WorkspaceNode, error)
	SelectWorkspace(id uuid.UUID) error
	CloseWorkspace(id uuid.UUID) error
	RenameWorkspace(id uuid.UUID, title string) error
	ReorderWorkspace(id uuid.UUID, index int) error
	MoveWorkspaceToWindow(id, windowID uuid.UUID) error
	AdjacentWorkspace(windowID uuid.UUID, delta int) (uuid.UUID, error)
	LastWorkspace(windowID uuid.UUID) (uuid.UUID, error)

	CreatePane(workspaceID uuid.UUID, dir model.SplitDirection, typ model.SurfaceType, url string) (PaneNode, error)
	FocusPane(id uuid.UUID) error
	LastPane(workspaceID uuid.UUID) (uuid.UUID, error)
	ClosePane(id uuid.UUID) error
	ResizePane(id uuid.UUID, dir model.SplitDirection, amount int) error

	CreateSurface(paneID uuid.UUID, typ model.SurfaceType, url string) (SurfaceNode, error)
	FocusSurface(id uuid.UUID) error
	CloseSurface(id uuid.UUID) error
	MoveSurface(id, paneID uuid.UUID, index int) error
	ReorderSurface(id uuid.UUID, index int) error
	SplitSurface(id uuid.UUID, dir model.SplitDirection) (PaneNode, error)
	BreakSurface(id uuid.UUID) (WorkspaceNode, error)
	JoinSurface(id, paneID uuid.UUID) error
	JoinPane(id, paneID uuid.UUID) error
	SetSurfaceInfo(id uuid.UUID, title, url string) error

	SendText(surfaceID uuid.UUID, text string) error
	SendKey(surfaceID uuid.UUID, key string) error
	ReadText(surfaceID uuid.UUID) (string, error)
	ClearHistory(surfaceID uuid.UUID) error

	AddNotification(n Notification) (Notification, error)
	Notifications() []Notification
	ClearNotifications() int
}

// Notification is a user-visible alert, optionally tied to the surface that
// raised it.
type Notification struct {
	ID          uuid.UUID
	Title       string
	Subtitle    string
	Body        string
	WorkspaceID uuid.UUID
	SurfaceID   uuid.UUID
	CreatedAt   time.Time
}

// Tree is an immutable snapshot of the live model.
type Tree struct {
	Windows []WindowNode
}

type WindowNode struct {
	ID         uuid.UUID
	Key        bool
	Workspaces []WorkspaceNode
}

type WorkspaceNode struct {
	ID       uuid.UUID
	WindowID uuid.UUID
	Title    string
	Selected bool
	Panes    []PaneNode
}

type PaneNode struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Focused     bool
	Width       int
	Height      int
	Surfaces    []SurfaceNode
}

type SurfaceNode struct {
	ID      uuid.UUID
	PaneID  uuid.UUID
	Type    model.SurfaceType
	Title   string
	URL     string
	Focused bool
}

// All walks windows, workspaces, panes and surfaces depth first.
func (t Tree) All() iter.Seq2[model.Kind, uuid.UUID] {
	return func(yield func(model.Kind, uuid.UUID) bool) {
		for _, w := range t.Windows {
			if !yield(model.KindWindow, w.ID) {
				return
			}
			for _, ws := range w.Workspaces {
				if !yield(model.KindWorkspace, ws.ID) {
					return
				}
				for _, p := range ws.Panes {
					if !yield(model.KindPane, p.ID) {
						return
					}
					for _, s := range p.Surfaces {
						if !yield(model.KindSurface, s.ID) {
							return
						}
					}
				}
			}
		}
	}
}

func (t Tree) KeyWindow() (WindowNode, bool) {
	for _, w := range t.Windows {
		if w.Key {
			return w, true
		}
	}
	if len(t.Windows) > 0 {
		return t.Windows[0], true
	}
	return WindowNode{}, false
}

func (t Tree) Window(id uuid.UUID) (WindowNode, bool) {
	for _, w := range t.Windows {
		if w.ID == id {
			return w, true
		}
	}
	return WindowNode{}, false
}

func (t Tree) Workspaces() []WorkspaceNode {
	var out []WorkspaceNode
	for _, w := range t.Windows {
		out = append(out, w.Workspaces...)
	}
	return out
}

func (t Tree) Workspace(id uuid.UUID) (WorkspaceNode, bool) {
	for _, ws := range t.Workspaces() {
		if ws.ID == id {
			return ws, true
		}
	}
	return WorkspaceNode{}, false
}

// CurrentWorkspace is the selected workspace of the key window.
func (t Tree) CurrentWorkspace() (WorkspaceNode, bool) {
	w, ok := t.KeyWindow()
	if !ok {
		return WorkspaceNode{}, false
	}
	for _, ws := range w.Workspaces {
		if ws.Selected {
			return ws, true
		}
	}
	return WorkspaceNode{}, false
}

func (t Tree) Pane(id uuid.UUID) (PaneNode, bool) {
	for _, ws := range t.Workspaces() {
		for _, p := range ws.Panes {
			if p.ID == id {
				return p, true
			}
		}
	}
	return PaneNode{}, false
}

func (t Tree) Surface(id uuid.UUID) (SurfaceNode, bool) {
	for _, ws := range t.Workspaces() {
		for _, p := range ws.Panes {
			for _, s := range p.Surfaces {
				if s.ID == id {
					return s, true
				}
			}
		}
	}
	return SurfaceNode{}, false
}

// FocusedPane returns the focused pane of ws, or its first pane.
func (ws WorkspaceNode) FocusedPane() (PaneNode, bool) {
	for _, p := range ws.Panes {
		if p.Focused {
			return p, true
		}
	}
	if len(ws.Panes) > 0 {
		return ws.Panes[0], true
	}
	return PaneNode{}, false
}

// FocusedSurface returns the focused surface of p, or its first surface.
func (p PaneNode) FocusedSurface() (SurfaceNode, bool) {
	for _, s := range p.Surfaces {
		if s.Focused {
			return s, true
		}
	}
	if len(p.Surfaces) > 0 {
		return p.Surfaces[0], true
	}
	return SurfaceNode{}, false
}

// CurrentSurface is the focused surface of the current workspace.
func (t Tree) CurrentSurface() (SurfaceNode, bool) {
	ws, ok := t.CurrentWorkspace()
	if !ok {
		return SurfaceNode{}, false
	}
	p, ok := ws.FocusedPane()
	if !ok {
		return SurfaceNode{}, false
	}
	return p.FocusedSurface()
}
