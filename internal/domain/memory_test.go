package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/cmuxctl/internal/model"
)

func TestNewMemoryHasOneTerminal(t *testing.T) {
	m := NewMemory()
	tree := m.Tree()
	require.Len(t, tree.Windows, 1)
	assert.True(t, tree.Windows[0].Key)

	ws, ok := tree.CurrentWorkspace()
	require.True(t, ok)
	require.Len(t, ws.Panes, 1)
	s, ok := tree.CurrentSurface()
	require.True(t, ok)
	assert.Equal(t, model.SurfaceTerminal, s.Type)

	var kinds []model.Kind
	for kind := range tree.All() {
		kinds = append(kinds, kind)
	}
	assert.Equal(t, []model.Kind{model.KindWindow, model.KindWorkspace, model.KindPane, model.KindSurface}, kinds)
}

func TestWorkspaceSelectionAndLast(t *testing.T) {
	m := NewMemory()
	first, _ := m.Tree().CurrentWorkspace()

	created, err := m.CreateWorkspace(uuid.Nil, "")
	require.NoError(t, err)
	assert.False(t, created.Selected, "creating must not steal selection")

	require.NoError(t, m.SelectWorkspace(created.ID))
	cur, _ := m.Tree().CurrentWorkspace()
	assert.Equal(t, created.ID, cur.ID)

	last, err := m.LastWorkspace(uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, last)

	next, err := m.AdjacentWorkspace(uuid.Nil, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, next, "next wraps around")
	prev, err := m.AdjacentWorkspace(uuid.Nil, -1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, prev)
}

func TestCloseLastWorkspaceIsInvalid(t *testing.T) {
	m := NewMemory()
	ws, _ := m.Tree().CurrentWorkspace()
	assert.ErrorIs(t, m.CloseWorkspace(ws.ID), ErrInvalidState)
	assert.ErrorIs(t, m.CloseWorkspace(uuid.New()), ErrNotFound)
}

func TestReorderAndRename(t *testing.T) {
	m := NewMemory()
	a, _ := m.Tree().CurrentWorkspace()
	b, err := m.CreateWorkspace(uuid.Nil, "b")
	require.NoError(t, err)

	require.NoError(t, m.ReorderWorkspace(b.ID, 0))
	wss := m.Tree().Windows[0].Workspaces
	assert.Equal(t, []uuid.UUID{b.ID, a.ID}, []uuid.UUID{wss[0].ID, wss[1].ID})
	assert.ErrorIs(t, m.ReorderWorkspace(b.ID, 5), ErrInvalidState)

	require.NoError(t, m.RenameWorkspace(a.ID, "main"))
	got, _ := m.Tree().Workspace(a.ID)
	assert.Equal(t, "main", got.Title)
}

func TestMoveWorkspaceToWindow(t *testing.T) {
	m := NewMemory()
	w2, err := m.CreateWindow()
	require.NoError(t, err)
	extra, err := m.CreateWorkspace(uuid.Nil, "extra")
	require.NoError(t, err)

	require.NoError(t, m.MoveWorkspaceToWindow(extra.ID, w2.ID))
	got, ok := m.Tree().Workspace(extra.ID)
	require.True(t, ok)
	assert.Equal(t, w2.ID, got.WindowID)

	solo := w2.Workspaces[0].ID
	require.NoError(t, m.MoveWorkspaceToWindow(extra.ID, m.Tree().Windows[0].ID))
	assert.ErrorIs(t, m.MoveWorkspaceToWindow(solo, m.Tree().Windows[0].ID), ErrInvalidState)
}

func TestSplitAndFocusPanes(t *testing.T) {
	m := NewMemory()
	ws, _ := m.Tree().CurrentWorkspace()
	orig := ws.Panes[0]

	right, err := m.CreatePane(ws.ID, model.SplitRight, model.SurfaceBrowser, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, orig.Width/2, right.Width)
	require.Len(t, right.Surfaces, 1)
	assert.Equal(t, model.SurfaceBrowser, right.Surfaces[0].Type)

	updated, _ := m.Tree().Workspace(ws.ID)
	require.Len(t, updated.Panes, 2)
	assert.Equal(t, orig.ID, updated.Panes[0].ID)
	assert.Equal(t, right.ID, updated.Panes[1].ID)

	require.NoError(t, m.FocusPane(right.ID))
	last, err := m.LastPane(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, last)

	require.NoError(t, m.ResizePane(right.ID, model.SplitDown, 4))
	p, _ := m.Tree().Pane(right.ID)
	assert.Equal(t, orig.Height+4, p.Height)
}

func TestCloseSurfaceCollapsesPane(t *testing.T) {
	m := NewMemory()
	ws, _ := m.Tree().CurrentWorkspace()
	p, err := m.CreatePane(ws.ID, model.SplitDown, model.SurfaceTerminal, "")
	require.NoError(t, err)

	require.NoError(t, m.CloseSurface(p.Surfaces[0].ID))
	_, ok := m.Tree().Pane(p.ID)
	assert.False(t, ok)

	only := ws.Panes[0].Surfaces[0].ID
	assert.ErrorIs(t, m.CloseSurface(only), ErrInvalidState)
}

func TestMoveSurfaceRejectsEmptyingPane(t *testing.T) {
	m := NewMemory()
	ws, _ := m.Tree().CurrentWorkspace()
	a := ws.Panes[0]
	b, err := m.CreatePane(ws.ID, model.SplitRight, model.SurfaceTerminal, "")
	require.NoError(t, err)

	assert.ErrorIs(t, m.MoveSurface(a.Surfaces[0].ID, b.ID, 0), ErrInvalidState)

	extra, err := m.CreateSurface(a.ID, model.SurfaceTerminal, "")
	require.NoError(t, err)
	require.NoError(t, m.MoveSurface(extra.ID, b.ID, 0))
	got, _ := m.Tree().Pane(b.ID)
	assert.Equal(t, extra.ID, got.Surfaces[0].ID)
}

func TestTerminalIO(t *testing.T) {
	m := NewMemory()
	s, _ := m.Tree().CurrentSurface()

	require.NoError(t, m.SendText(s.ID, "echo hi"))
	require.NoError(t, m.SendKey(s.ID, "Enter"))
	text, err := m.ReadText(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", text)

	assert.ErrorIs(t, m.SendKey(s.ID, "hyper-q"), ErrInvalidState)

	ws, _ := m.Tree().CurrentWorkspace()
	br, err := m.CreatePane(ws.ID, model.SplitRight, model.SurfaceBrowser, "about:blank")
	require.NoError(t, err)
	assert.ErrorIs(t, m.SendText(br.Surfaces[0].ID, "x"), ErrInvalidState)
}

func TestFocusSurfaceSelectsWorkspace(t *testing.T) {
	m := NewMemory()
	other, err := m.CreateWorkspace(uuid.Nil, "other")
	require.NoError(t, err)
	target := other.Panes[0].Surfaces[0].ID

	require.NoError(t, m.FocusSurface(target))
	cur, ok := m.Tree().CurrentSurface()
	require.True(t, ok)
	assert.Equal(t, target, cur.ID)
}

func TestReorderSurfaceWithinPane(t *testing.T) {
	m := NewMemory()
	ws, _ := m.Tree().CurrentWorkspace()
	p := ws.Panes[0]
	first := p.Surfaces[0].ID
	second, err := m.CreateSurface(p.ID, model.SurfaceTerminal, "")
	require.NoError(t, err)

	require.NoError(t, m.ReorderSurface(second.ID, 0))
	got, _ := m.Tree().Pane(p.ID)
	assert.Equal(t, []uuid.UUID{second.ID, first}, []uuid.UUID{got.Surfaces[0].ID, got.Surfaces[1].ID})
	assert.ErrorIs(t, m.ReorderSurface(second.ID, 2), ErrInvalidState)
}

func TestBreakAndJoinRoundTrip(t *testing.T) {
	m := NewMemory()
	home, _ := m.Tree().CurrentWorkspace()
	solo := home.Panes[0].Surfaces[0].ID
	_, err := m.BreakSurface(solo)
	assert.ErrorIs(t, err, ErrInvalidState, "a lone surface has nothing to break from")

	split, err := m.CreatePane(home.ID, model.SplitRight, model.SurfaceTerminal, "")
	require.NoError(t, err)
	moving := split.Surfaces[0].ID

	broken, err := m.BreakSurface(moving)
	require.NoError(t, err)
	assert.NotEqual(t, home.ID, broken.ID)
	require.Len(t, broken.Panes, 1)
	assert.Equal(t, moving, broken.Panes[0].Surfaces[0].ID)
	_, ok := m.Tree().Pane(split.ID)
	assert.False(t, ok, "emptied pane is closed")
	cur, _ := m.Tree().CurrentWorkspace()
	assert.Equal(t, home.ID, cur.ID, "breaking does not change selection")

	require.NoError(t, m.JoinSurface(moving, home.Panes[0].ID))
	_, ok = m.Tree().Workspace(broken.ID)
	assert.False(t, ok, "emptied workspace is closed")
	p, _ := m.Tree().Pane(home.Panes[0].ID)
	assert.Equal(t, []uuid.UUID{solo, moving}, []uuid.UUID{p.Surfaces[0].ID, p.Surfaces[1].ID})
}

func TestJoinPaneMovesEveryTab(t *testing.T) {
	m := NewMemory()
	ws, _ := m.Tree().CurrentWorkspace()
	dst := ws.Panes[0]
	src, err := m.CreatePane(ws.ID, model.SplitDown, model.SurfaceTerminal, "")
	require.NoError(t, err)
	extra, err := m.CreateSurface(src.ID, model.SurfaceBrowser, "about:blank")
	require.NoError(t, err)

	require.NoError(t, m.JoinPane(src.ID, dst.ID))
	got, _ := m.Tree().Pane(dst.ID)
	require.Len(t, got.Surfaces, 3)
	assert.Equal(t, extra.ID, got.Surfaces[2].ID)
	_, ok := m.Tree().Pane(src.ID)
	assert.False(t, ok)

	assert.ErrorIs(t, m.JoinPane(dst.ID, dst.ID), ErrInvalidState)
	other, err := m.CreateWindow()
	require.NoError(t, err)
	assert.ErrorIs(t, m.JoinPane(dst.ID, other.Workspaces[0].Panes[0].ID), ErrInvalidState, "last pane of the last workspace stays")
}

func TestSplitSurfaceMovesTabIntoNewPane(t *testing.T) {
	m := NewMemory()
	ws, _ := m.Tree().CurrentWorkspace()
	p := ws.Panes[0]
	_, err := m.SplitSurface(p.Surfaces[0].ID, model.SplitRight)
	assert.ErrorIs(t, err, ErrInvalidState)

	tab, err := m.CreateSurface(p.ID, model.SurfaceTerminal, "")
	require.NoError(t, err)
	np, err := m.SplitSurface(tab.ID, model.SplitLeft)
	require.NoError(t, err)
	require.Len(t, np.Surfaces, 1)
	assert.Equal(t, tab.ID, np.Surfaces[0].ID)
	updated, _ := m.Tree().Workspace(ws.ID)
	assert.Equal(t, np.ID, updated.Panes[0].ID, "left split goes before its source")
}

func TestClearHistory(t *testing.T) {
	m := NewMemory()
	s, _ := m.Tree().CurrentSurface()
	require.NoError(t, m.SendText(s.ID, "noise"))
	require.NoError(t, m.ClearHistory(s.ID))
	text, err := m.ReadText(s.ID)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestNotificationsAreBounded(t *testing.T) {
	m := NewMemory()
	_, err := m.AddNotification(Notification{Title: " "})
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = m.AddNotification(Notification{Title: "x", SurfaceID: uuid.New()})
	assert.ErrorIs(t, err, ErrNotFound)

	s, _ := m.Tree().CurrentSurface()
	ws, _ := m.Tree().CurrentWorkspace()
	n, err := m.AddNotification(Notification{Title: "build done", SurfaceID: s.ID})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, n.ID)
	assert.Equal(t, ws.ID, n.WorkspaceID)
	assert.False(t, n.CreatedAt.IsZero())

	for i := 0; i < NotificationLimit+5; i++ {
		_, err := m.AddNotification(Notification{Title: "spam"})
		require.NoError(t, err)
	}
	list := m.Notifications()
	require.Len(t, list, NotificationLimit)
	assert.Equal(t, "spam", list[0].Title, "oldest entries are dropped first")

	assert.Equal(t, NotificationLimit, m.ClearNotifications())
	assert.Empty(t, m.Notifications())
}
