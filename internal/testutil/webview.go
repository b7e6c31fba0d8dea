package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/webview"
)

// FakeView is an in-memory webview.View backed by FakePages. Navigating to
// a URL with a registered page shows that page; any other URL gets a blank
// one.
type FakeView struct {
	mu        sync.Mutex
	pages     map[string]*FakePage
	history   []string
	pos       int
	cookies   []webview.Cookie
	focused   bool
	closed    bool
	evalDelay time.Duration
	evals     int
}

func NewFakeView(page *FakePage) *FakeView {
	v := &FakeView{pages: make(map[string]*FakePage)}
	if page != nil {
		v.pages[page.URL()] = page
		v.history = []string{page.URL()}
	}
	return v
}

// Route registers the page shown for its URL.
func (v *FakeView) Route(page *FakePage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pages[page.URL()] = page
}

// SetEvalDelay makes every evaluation take d, honoring the caller deadline.
func (v *FakeView) SetEvalDelay(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.evalDelay = d
}

// Kill makes every later call fail as if the view crashed.
func (v *FakeView) Kill() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
}

func (v *FakeView) Evals() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.evals
}

// Page returns the page currently shown.
func (v *FakeView) Page() *FakePage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentLocked()
}

func (v *FakeView) currentLocked() *FakePage {
	if len(v.history) == 0 {
		return NewFakePage("about:blank", "")
	}
	url := v.history[v.pos]
	page, ok := v.pages[url]
	if !ok {
		page = NewFakePage(url, "")
		v.pages[url] = page
	}
	return page
}

func (v *FakeView) alive() error {
	if v.closed {
		return webview.ErrUnavailable
	}
	return nil
}

func (v *FakeView) Navigate(_ context.Context, url string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.alive(); err != nil {
		return err
	}
	if len(v.history) > 0 {
		v.history = v.history[:v.pos+1]
	}
	v.history = append(v.history, url)
	v.pos = len(v.history) - 1
	v.currentLocked().Load(url)
	return nil
}

func (v *FakeView) Back(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.alive(); err != nil {
		return err
	}
	if v.pos > 0 {
		v.pos--
		page := v.currentLocked()
		page.Load(page.URL())
	}
	return nil
}

func (v *FakeView) Forward(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.alive(); err != nil {
		return err
	}
	if v.pos < len(v.history)-1 {
		v.pos++
		page := v.currentLocked()
		page.Load(page.URL())
	}
	return nil
}

func (v *FakeView) Reload(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.alive(); err != nil {
		return err
	}
	page := v.currentLocked()
	page.Load(page.URL())
	return nil
}

func (v *FakeView) URL(context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.alive(); err != nil {
		return "", err
	}
	return v.currentLocked().URL(), nil
}

func (v *FakeView) Title(context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.alive(); err != nil {
		return "", err
	}
	return v.currentLocked().Title(), nil
}

func (v *FakeView) Evaluate(ctx context.Context, script string) ([]byte, error) {
	v.mu.Lock()
	if err := v.alive(); err != nil {
		v.mu.Unlock()
		return nil, err
	}
	v.evals++
	page := v.currentLocked()
	delay := v.evalDelay
	v.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	out, err := page.evaluate(script)
	var se errScript
	if errors.As(err, &se) {
		return nil, &webview.ScriptError{Message: se.msg}
	}
	return out, err
}

func (v *FakeView) Cookies(context.Context) ([]webview.Cookie, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.alive(); err != nil {
		return nil, err
	}
	return append([]webview.Cookie(nil), v.cookies...), nil
}

func (v *FakeView) SetCookie(_ context.Context, c webview.Cookie) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.alive(); err != nil {
		return err
	}
	for i, old := range v.cookies {
		if old.Name == c.Name && old.Domain == c.Domain && old.Path == c.Path {
			v.cookies[i] = c
			return nil
		}
	}
	v.cookies = append(v.cookies, c)
	return nil
}

func (v *FakeView) DeleteCookie(_ context.Context, name, domain, path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.alive(); err != nil {
		return err
	}
	kept := v.cookies[:0]
	for _, c := range v.cookies {
		if c.Name == name && c.Domain == domain && c.Path == path {
			continue
		}
		kept = append(kept, c)
	}
	v.cookies = kept
	return nil
}

func (v *FakeView) ClearCookies(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.alive(); err != nil {
		return err
	}
	v.cookies = nil
	return nil
}

func (v *FakeView) Focus(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.alive(); err != nil {
		return err
	}
	v.focused = true
	return nil
}

func (v *FakeView) Focused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.focused
}

// FakeHost hands out FakeViews. Pages registered with Page are shown when a
// surface is attached to their URL.
type FakeHost struct {
	mu      sync.Mutex
	views   map[uuid.UUID]*FakeView
	pages   map[string]*FakePage
	failErr error
	closed  bool
}

func NewFakeHost() *FakeHost {
	return &FakeHost{
		views: make(map[uuid.UUID]*FakeView),
		pages: make(map[string]*FakePage),
	}
}

// Page registers page for attachments to its URL.
func (h *FakeHost) Page(page *FakePage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages[page.URL()] = page
}

// Put attaches a view showing page to surface without going through Attach.
func (h *FakeHost) Put(surface uuid.UUID, page *FakePage) *FakeView {
	h.mu.Lock()
	defer h.mu.Unlock()
	v := NewFakeView(page)
	h.views[surface] = v
	return v
}

// FailAttach makes later Attach calls return err.
func (h *FakeHost) FailAttach(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failErr = err
}

func (h *FakeHost) Attach(_ context.Context, surface uuid.UUID, url string) (webview.View, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, webview.ErrUnavailable
	}
	if h.failErr != nil {
		return nil, h.failErr
	}
	if url == "" {
		url = "about:blank"
	}
	page, ok := h.pages[url]
	if !ok {
		page = NewFakePage(url, "")
	}
	v, ok := h.views[surface]
	if !ok {
		v = NewFakeView(page)
		h.views[surface] = v
		return v, nil
	}
	v.Route(page)
	if err := v.Navigate(context.Background(), url); err != nil {
		return nil, fmt.Errorf("attach %s: %w", surface, err)
	}
	return v, nil
}

func (h *FakeHost) View(surface uuid.UUID) (webview.View, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.views[surface]
	if !ok {
		return nil, false
	}
	return v, true
}

// FakeView returns the concrete view attached to surface.
func (h *FakeHost) FakeView(surface uuid.UUID) *FakeView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.views[surface]
}

func (h *FakeHost) Detach(surface uuid.UUID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.views, surface)
	return nil
}

func (h *FakeHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.views = make(map[uuid.UUID]*FakeView)
	return nil
}
