package domain

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/model"
)

const (
	defaultPaneWidth  = 160
	defaultPaneHeight = 48
	minPaneSize       = 4
	screenLimit       = 64 << 10
)

type window struct {
	id         uuid.UUID
	workspaces []*workspace
	selected   *workspace
	last       *workspace
}

type workspace struct {
	id      uuid.UUID
	window  *window
	title   string
	panes   []*pane
	focused *pane
	last    *pane
}

type pane struct {
	id        uuid.UUID
	workspace *workspace
	width     int
	height    int
	surfaces  []*surface
	focused   *surface
}

type surface struct {
	id     uuid.UUID
	pane   *pane
	typ    model.SurfaceType
	title  string
	url    string
	screen strings.Builder
}

// Memory is an in-process Model. It starts with one window holding one
// workspace with a single terminal pane.
type Memory struct {
	windows    []*window
	key        *window
	workspaces map[uuid.UUID]*workspace
	panes      map[uuid.UUID]*pane
	surfaces   map[uuid.UUID]*surface
	wsCounter  int

	notifications []Notification
}

var _ Model = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{
		workspaces: make(map[uuid.UUID]*workspace),
		panes:      make(map[uuid.UUID]*pane),
		surfaces:   make(map[uuid.UUID]*surface),
	}
	_, _ = m.CreateWindow()
	return m
}

func (m *Memory) Tree() Tree {
	t := Tree{Windows: make([]WindowNode, 0, len(m.windows))}
	for _, w := range m.windows {
		wn := WindowNode{ID: w.id, Key: w == m.key}
		for _, ws := range w.workspaces {
			wn.Workspaces = append(wn.Workspaces, workspaceNode(ws))
		}
		t.Windows = append(t.Windows, wn)
	}
	return t
}

func workspaceNode(ws *workspace) WorkspaceNode {
	n := WorkspaceNode{ID: ws.id, WindowID: ws.window.id, Title: ws.title, Selected: ws.window.selected == ws}
	for _, p := range ws.panes {
		n.Panes = append(n.Panes, paneNode(p))
	}
	return n
}

func paneNode(p *pane) PaneNode {
	n := PaneNode{ID: p.id, WorkspaceID: p.workspace.id, Focused: p.workspace.focused == p, Width: p.width, Height: p.height}
	for _, s := range p.surfaces {
		n.Surfaces = append(n.Surfaces, surfaceNode(s))
	}
	return n
}

func surfaceNode(s *surface) SurfaceNode {
	return SurfaceNode{ID: s.id, PaneID: s.pane.id, Type: s.typ, Title: s.title, URL: s.url, Focused: s.pane.focused == s}
}

func (m *Memory) window(id uuid.UUID) (*window, error) {
	if id == uuid.Nil {
		if m.key == nil {
			return nil, fmt.Errorf("%w: no windows", ErrNotFound)
		}
		return m.key, nil
	}
	for _, w := range m.windows {
		if w.id == id {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w: window %s", ErrNotFound, id)
}

func (m *Memory) workspace(id uuid.UUID) (*workspace, error) {
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, id)
	}
	return ws, nil
}

func (m *Memory) pane(id uuid.UUID) (*pane, error) {
	p, ok := m.panes[id]
	if !ok {
		return nil, fmt.Errorf("%w: pane %s", ErrNotFound, id)
	}
	return p, nil
}

func (m *Memory) surface(id uuid.UUID) (*surface, error) {
	s, ok := m.surfaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: surface %s", ErrNotFound, id)
	}
	return s, nil
}

func (m *Memory) CreateWindow() (WindowNode, error) {
	w := &window{id: uuid.New()}
	m.windows = append(m.windows, w)
	if m.key == nil {
		m.key = w
	}
	if _, err := m.newWorkspace(w, ""); err != nil {
		return WindowNode{}, err
	}
	return WindowNode{ID: w.id, Key: m.key == w, Workspaces: []WorkspaceNode{workspaceNode(w.workspaces[0])}}, nil
}

func (m *Memory) FocusWindow(id uuid.UUID) error {
	w, err := m.window(id)
	if err != nil {
		return err
	}
	m.key = w
	return nil
}

func (m *Memory) CloseWindow(id uuid.UUID) error {
	w, err := m.window(id)
	if err != nil {
		return err
	}
	if len(m.windows) == 1 {
		return fmt.Errorf("%w: cannot close the last window", ErrInvalidState)
	}
	for _, ws := range slices.Clone(w.workspaces) {
		m.dropWorkspace(ws)
	}
	m.windows = slices.DeleteFunc(m.windows, func(x *window) bool { return x == w })
	if m.key == w {
		m.key = m.windows[0]
	}
	return nil
}

func (m *Memory) newWorkspace(w *window, title string) (*workspace, error) {
	ws, p := m.emptyWorkspace(w, title)
	m.newSurface(p, model.SurfaceTerminal, "")
	return ws, nil
}

// emptyWorkspace appends a workspace with one pane and no surfaces yet.
func (m *Memory) emptyWorkspace(w *window, title string) (*workspace, *pane) {
	m.wsCounter++
	if strings.TrimSpace(title) == "" {
		title = fmt.Sprintf("Workspace %d", m.wsCounter)
	}
	ws := &workspace{id: uuid.New(), window: w, title: title}
	m.workspaces[ws.id] = ws
	w.workspaces = append(w.workspaces, ws)
	p := m.newPane(ws, 0, defaultPaneWidth, defaultPaneHeight)
	ws.focused = p
	if w.selected == nil {
		w.selected = ws
	}
	return ws, p
}

func (m *Memory) CreateWorkspace(windowID uuid.UUID, title string) (WorkspaceNode, error) {
	w, err := m.window(windowID)
	if err != nil {
		return WorkspaceNode{}, err
	}
	ws, err := m.newWorkspace(w, title)
	if err != nil {
		return WorkspaceNode{}, err
	}
	return workspaceNode(ws), nil
}

func (m *Memory) SelectWorkspace(id uuid.UUID) error {
	ws, err := m.workspace(id)
	if err != nil {
		return err
	}
	w := ws.window
	if w.selected != ws {
		w.last = w.selected
		w.selected = ws
	}
	m.key = w
	return nil
}

func (m *Memory) CloseWorkspace(id uuid.UUID) error {
	ws, err := m.workspace(id)
	if err != nil {
		return err
	}
	if len(ws.window.workspaces) == 1 {
		return fmt.Errorf("%w: cannot close the last workspace of a window", ErrInvalidState)
	}
	m.dropWorkspace(ws)
	return nil
}

func (m *Memory) dropWorkspace(ws *workspace) {
	w := ws.window
	idx := slices.Index(w.workspaces, ws)
	w.workspaces = slices.Delete(w.workspaces, idx, idx+1)
	if w.last == ws {
		w.last = nil
	}
	if w.selected == ws {
		w.selected = nil
		if len(w.workspaces) > 0 {
			w.selected = w.workspaces[min(idx, len(w.workspaces)-1)]
		}
	}
	for _, p := range ws.panes {
		for _, s := range p.surfaces {
			delete(m.surfaces, s.id)
		}
		delete(m.panes, p.id)
	}
	delete(m.workspaces, ws.id)
}

func (m *Memory) RenameWorkspace(id uuid.UUID, title string) error {
	ws, err := m.workspace(id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title must not be empty", ErrInvalidState)
	}
	ws.title = title
	return nil
}

func (m *Memory) ReorderWorkspace(id uuid.UUID, index int) error {
	ws, err := m.workspace(id)
	if err != nil {
		return err
	}
	list := ws.window.workspaces
	if index < 0 || index >= len(list) {
		return fmt.Errorf("%w: index %d out of range", ErrInvalidState, index)
	}
	from := slices.Index(list, ws)
	list = slices.Delete(list, from, from+1)
	ws.window.workspaces = slices.Insert(list, index, ws)
	return nil
}

func (m *Memory) MoveWorkspaceToWindow(id, windowID uuid.UUID) error {
	ws, err := m.workspace(id)
	if err != nil {
		return err
	}
	dst, err := m.window(windowID)
	if err != nil {
		return err
	}
	src := ws.window
	if src == dst {
		return nil
	}
	if len(src.workspaces) == 1 {
		return fmt.Errorf("%w: cannot move the last workspace out of a window", ErrInvalidState)
	}
	idx := slices.Index(src.workspaces, ws)
	src.workspaces = slices.Delete(src.workspaces, idx, idx+1)
	if src.last == ws {
		src.last = nil
	}
	if src.selected == ws {
		src.selected = src.workspaces[min(idx, len(src.workspaces)-1)]
	}
	ws.window = dst
	dst.workspaces = append(dst.workspaces, ws)
	if dst.selected == nil {
		dst.selected = ws
	}
	return nil
}

func (m *Memory) AdjacentWorkspace(windowID uuid.UUID, delta int) (uuid.UUID, error) {
	w, err := m.window(windowID)
	if err != nil {
		return uuid.Nil, err
	}
	n := len(w.workspaces)
	if n == 0 {
		return uuid.Nil, fmt.Errorf("%w: window has no workspaces", ErrNotFound)
	}
	idx := max(slices.Index(w.workspaces, w.selected), 0)
	next := ((idx+delta)%n + n) % n
	return w.workspaces[next].id, nil
}

func (m *Memory) LastWorkspace(windowID uuid.UUID) (uuid.UUID, error) {
	w, err := m.window(windowID)
	if err != nil {
		return uuid.Nil, err
	}
	if w.last == nil {
		return uuid.Nil, fmt.Errorf("%w: no previously selected workspace", ErrNotFound)
	}
	return w.last.id, nil
}

func (m *Memory) newPane(ws *workspace, at, width, height int) *pane {
	p := &pane{id: uuid.New(), workspace: ws, width: width, height: height}
	m.panes[p.id] = p
	ws.panes = slices.Insert(ws.panes, at, p)
	return p
}

func (m *Memory) newSurface(p *pane, typ model.SurfaceType, url string) *surface {
	s := &surface{id: uuid.New(), pane: p, typ: typ, url: url}
	switch typ {
	case model.SurfaceBrowser:
		s.title = url
	default:
		s.title = "Terminal"
	}
	m.surfaces[s.id] = s
	p.surfaces = append(p.surfaces, s)
	if p.focused == nil {
		p.focused = s
	}
	return s
}

func (m *Memory) CreatePane(workspaceID uuid.UUID, dir model.SplitDirection, typ model.SurfaceType, url string) (PaneNode, error) {
	ws, err := m.workspace(workspaceID)
	if err != nil {
		return PaneNode{}, err
	}
	src := ws.focused
	if src == nil && len(ws.panes) > 0 {
		src = ws.panes[0]
	}
	if typ == "" {
		typ = model.SurfaceTerminal
	}
	p := m.splitFrom(ws, src, dir)
	m.newSurface(p, typ, url)
	return paneNode(p), nil
}

// splitFrom inserts a new pane beside src, taking half of src along dir.
func (m *Memory) splitFrom(ws *workspace, src *pane, dir model.SplitDirection) *pane {
	width, height := defaultPaneWidth, defaultPaneHeight
	at := len(ws.panes)
	if src != nil {
		width, height = src.width, src.height
		switch dir {
		case model.SplitLeft, model.SplitRight:
			width = max(src.width/2, minPaneSize)
			src.width = max(src.width-width, minPaneSize)
		default:
			height = max(src.height/2, minPaneSize)
			src.height = max(src.height-height, minPaneSize)
		}
		at = slices.Index(ws.panes, src)
		if dir == model.SplitRight || dir == model.SplitDown {
			at++
		}
	}
	return m.newPane(ws, at, width, height)
}

func (m *Memory) FocusPane(id uuid.UUID) error {
	p, err := m.pane(id)
	if err != nil {
		return err
	}
	ws := p.workspace
	if ws.focused != p {
		ws.last = ws.focused
		ws.focused = p
	}
	return nil
}

func (m *Memory) LastPane(workspaceID uuid.UUID) (uuid.UUID, error) {
	ws, err := m.workspace(workspaceID)
	if err != nil {
		return uuid.Nil, err
	}
	if ws.last == nil {
		return uuid.Nil, fmt.Errorf("%w: no previously focused pane", ErrNotFound)
	}
	return ws.last.id, nil
}

func (m *Memory) ClosePane(id uuid.UUID) error {
	p, err := m.pane(id)
	if err != nil {
		return err
	}
	if len(p.workspace.panes) == 1 {
		return fmt.Errorf("%w: cannot close the last pane of a workspace", ErrInvalidState)
	}
	m.dropPane(p)
	return nil
}

func (m *Memory) dropPane(p *pane) {
	ws := p.workspace
	idx := slices.Index(ws.panes, p)
	ws.panes = slices.Delete(ws.panes, idx, idx+1)
	if ws.last == p {
		ws.last = nil
	}
	if ws.focused == p {
		ws.focused = nil
		if len(ws.panes) > 0 {
			ws.focused = ws.panes[min(idx, len(ws.panes)-1)]
		}
	}
	for _, s := range p.surfaces {
		delete(m.surfaces, s.id)
	}
	delete(m.panes, p.id)
}

func (m *Memory) ResizePane(id uuid.UUID, dir model.SplitDirection, amount int) error {
	p, err := m.pane(id)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidState)
	}
	switch dir {
	case model.SplitLeft:
		p.width = max(p.width-amount, minPaneSize)
	case model.SplitRight:
		p.width += amount
	case model.SplitUp:
		p.height = max(p.height-amount, minPaneSize)
	case model.SplitDown:
		p.height += amount
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidState, dir)
	}
	return nil
}

func (m *Memory) CreateSurface(paneID uuid.UUID, typ model.SurfaceType, url string) (SurfaceNode, error) {
	p, err := m.pane(paneID)
	if err != nil {
		return SurfaceNode{}, err
	}
	if typ == "" {
		typ = model.SurfaceTerminal
	}
	return surfaceNode(m.newSurface(p, typ, url)), nil
}

func (m *Memory) FocusSurface(id uuid.UUID) error {
	s, err := m.surface(id)
	if err != nil {
		return err
	}
	s.pane.focused = s
	if err := m.FocusPane(s.pane.id); err != nil {
		return err
	}
	return m.SelectWorkspace(s.pane.workspace.id)
}

// CloseSurface removes a surface. Closing the last surface of a pane closes
// the pane too, unless it is the only pane of its workspace.
func (m *Memory) CloseSurface(id uuid.UUID) error {
	s, err := m.surface(id)
	if err != nil {
		return err
	}
	p := s.pane
	if len(p.surfaces) == 1 {
		if len(p.workspace.panes) == 1 {
			return fmt.Errorf("%w: cannot close the last surface of a workspace", ErrInvalidState)
		}
		m.dropPane(p)
		return nil
	}
	m.detachSurface(s)
	delete(m.surfaces, s.id)
	return nil
}

func (m *Memory) detachSurface(s *surface) {
	p := s.pane
	idx := slices.Index(p.surfaces, s)
	p.surfaces = slices.Delete(p.surfaces, idx, idx+1)
	if p.focused == s {
		p.focused = nil
		if len(p.surfaces) > 0 {
			p.focused = p.surfaces[min(idx, len(p.surfaces)-1)]
		}
	}
}

// MoveSurface moves a surface into another pane at index (clamped; negative
// appends). A source pane left empty is rejected.
func (m *Memory) MoveSurface(id, paneID uuid.UUID, index int) error {
	s, err := m.surface(id)
	if err != nil {
		return err
	}
	dst, err := m.pane(paneID)
	if err != nil {
		return err
	}
	if s.pane != dst && len(s.pane.surfaces) == 1 {
		return fmt.Errorf("%w: moving the only surface would leave pane %s empty", ErrInvalidState, s.pane.id)
	}
	m.detachSurface(s)
	s.pane = dst
	if index < 0 || index > len(dst.surfaces) {
		index = len(dst.surfaces)
	}
	dst.surfaces = slices.Insert(dst.surfaces, index, s)
	if dst.focused == nil {
		dst.focused = s
	}
	return nil
}

// ReorderSurface moves a surface to index among the tabs of its own pane.
func (m *Memory) ReorderSurface(id uuid.UUID, index int) error {
	s, err := m.surface(id)
	if err != nil {
		return err
	}
	list := s.pane.surfaces
	if index < 0 || index >= len(list) {
		return fmt.Errorf("%w: index %d out of range", ErrInvalidState, index)
	}
	from := slices.Index(list, s)
	list = slices.Delete(list, from, from+1)
	s.pane.surfaces = slices.Insert(list, index, s)
	return nil
}

// SplitSurface moves a surface into a new pane split off its current pane.
func (m *Memory) SplitSurface(id uuid.UUID, dir model.SplitDirection) (PaneNode, error) {
	s, err := m.surface(id)
	if err != nil {
		return PaneNode{}, err
	}
	src := s.pane
	if len(src.surfaces) == 1 {
		return PaneNode{}, fmt.Errorf("%w: surface %s is the only tab of pane %s", ErrInvalidState, id, src.id)
	}
	p := m.splitFrom(src.workspace, src, dir)
	m.takeSurface(s, p, -1)
	return paneNode(p), nil
}

// BreakSurface moves a surface into a new workspace of the same window. The
// source pane is closed when it empties.
func (m *Memory) BreakSurface(id uuid.UUID) (WorkspaceNode, error) {
	s, err := m.surface(id)
	if err != nil {
		return WorkspaceNode{}, err
	}
	src := s.pane
	if len(src.surfaces) == 1 && len(src.workspace.panes) == 1 {
		return WorkspaceNode{}, fmt.Errorf("%w: surface %s is already alone in its workspace", ErrInvalidState, id)
	}
	ws, p := m.emptyWorkspace(src.workspace.window, "")
	m.takeSurface(s, p, -1)
	return workspaceNode(ws), nil
}

// JoinSurface moves a surface into paneID. An emptied source pane is closed,
// and so is its workspace when that was the workspace's only pane.
func (m *Memory) JoinSurface(id, paneID uuid.UUID) error {
	s, err := m.surface(id)
	if err != nil {
		return err
	}
	dst, err := m.pane(paneID)
	if err != nil {
		return err
	}
	if s.pane == dst {
		return nil
	}
	if len(s.pane.surfaces) == 1 {
		if err := canEmpty(s.pane); err != nil {
			return err
		}
	}
	m.takeSurface(s, dst, -1)
	return nil
}

// JoinPane moves every surface of pane id into paneID, then closes the source
// pane as JoinSurface does.
func (m *Memory) JoinPane(id, paneID uuid.UUID) error {
	src, err := m.pane(id)
	if err != nil {
		return err
	}
	dst, err := m.pane(paneID)
	if err != nil {
		return err
	}
	if src == dst {
		return fmt.Errorf("%w: cannot join pane %s into itself", ErrInvalidState, id)
	}
	if err := canEmpty(src); err != nil {
		return err
	}
	for _, s := range slices.Clone(src.surfaces) {
		m.takeSurface(s, dst, -1)
	}
	return nil
}

func canEmpty(p *pane) error {
	ws := p.workspace
	if len(ws.panes) == 1 && len(ws.window.workspaces) == 1 {
		return fmt.Errorf("%w: pane %s holds the last surfaces of its window", ErrInvalidState, p.id)
	}
	return nil
}

// takeSurface moves s into dst at index (negative appends) and removes the
// source pane, or its whole workspace, once it is empty.
func (m *Memory) takeSurface(s *surface, dst *pane, index int) {
	src := s.pane
	m.detachSurface(s)
	if len(src.surfaces) == 0 && src != dst {
		if len(src.workspace.panes) == 1 {
			m.dropWorkspace(src.workspace)
		} else {
			m.dropPane(src)
		}
	}
	s.pane = dst
	if index < 0 || index > len(dst.surfaces) {
		index = len(dst.surfaces)
	}
	dst.surfaces = slices.Insert(dst.surfaces, index, s)
	if dst.focused == nil {
		dst.focused = s
	}
}

func (m *Memory) SetSurfaceInfo(id uuid.UUID, title, url string) error {
	s, err := m.surface(id)
	if err != nil {
		return err
	}
	if title != "" {
		s.title = title
	}
	if url != "" {
		s.url = url
	}
	return nil
}

func (m *Memory) terminal(id uuid.UUID) (*surface, error) {
	s, err := m.surface(id)
	if err != nil {
		return nil, err
	}
	if s.typ != model.SurfaceTerminal {
		return nil, fmt.Errorf("%w: surface %s is not a terminal", ErrInvalidState, id)
	}
	return s, nil
}

func (m *Memory) SendText(surfaceID uuid.UUID, text string) error {
	s, err := m.terminal(surfaceID)
	if err != nil {
		return err
	}
	appendScreen(s, text)
	return nil
}

var keySequences = map[string]string{
	"enter":     "\n",
	"return":    "\n",
	"tab":       "\t",
	"escape":    "\x1b",
	"esc":       "\x1b",
	"backspace": "\x7f",
	"space":     " ",
	"ctrl-c":    "^C",
	"ctrl-d":    "^D",
	"ctrl-z":    "^Z",
	"ctrl-l":    "^L",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
}

func (m *Memory) SendKey(surfaceID uuid.UUID, key string) error {
	s, err := m.terminal(surfaceID)
	if err != nil {
		return err
	}
	seq, ok := keySequences[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return fmt.Errorf("%w: unknown key %q", ErrInvalidState, key)
	}
	appendScreen(s, seq)
	return nil
}

func (m *Memory) ReadText(surfaceID uuid.UUID) (string, error) {
	s, err := m.terminal(surfaceID)
	if err != nil {
		return "", err
	}
	return s.screen.String(), nil
}

func (m *Memory) ClearHistory(surfaceID uuid.UUID) error {
	s, err := m.terminal(surfaceID)
	if err != nil {
		return err
	}
	s.screen.Reset()
	return nil
}

func appendScreen(s *surface, text string) {
	s.screen.WriteString(text)
	if s.screen.Len() > screenLimit {
		tail := s.screen.String()[s.screen.Len()-screenLimit:]
		s.screen.Reset()
		s.screen.WriteString(tail)
	}
}
