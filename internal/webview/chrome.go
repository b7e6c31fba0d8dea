package webview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

type ChromeOptions struct {
	// RemoteURL attaches to a running browser's DevTools websocket. When empty
	// a browser is launched from ExecPath (or the default lookup).
	RemoteURL string
	ExecPath  string
	Headless  bool
	Logger    *slog.Logger
	// InitScript runs at the start of every document loaded in a tab,
	// including navigations the page starts itself.
	InitScript string
}

// ChromeHost backs each browser surface with a tab of one Chrome instance
// driven over the DevTools protocol.
type ChromeHost struct {
	logger      *slog.Logger
	initScript  string
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc

	mu        sync.Mutex
	views     map[uuid.UUID]*chromeView
	attaching map[uuid.UUID]chan struct{}
	focused   *chromeView
}

var _ Host = (*ChromeHost)(nil)

func NewChromeHost(opts ChromeOptions) *ChromeHost {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if strings.TrimSpace(opts.RemoteURL) != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), opts.RemoteURL)
	} else {
		execOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		execOpts = append(execOpts, chromedp.Flag("headless", opts.Headless))
		if opts.ExecPath != "" {
			execOpts = append(execOpts, chromedp.ExecPath(opts.ExecPath))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), execOpts...)
	}
	browserCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(func(format string, args ...any) {
		logger.Debug("cdp error", "detail", fmt.Sprintf(format, args...))
	}))
	return &ChromeHost{
		logger:      logger,
		initScript:  opts.InitScript,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      cancel,
		views:       make(map[uuid.UUID]*chromeView),
		attaching:   make(map[uuid.UUID]chan struct{}),
	}
}

// Attach opens one tab per surface. Concurrent calls for the same surface
// wait for the first to finish and then share its view.
func (h *ChromeHost) Attach(ctx context.Context, surfaceID uuid.UUID, url string) (View, error) {
	v, err := h.claim(ctx, surfaceID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if v, err = h.open(surfaceID); err != nil {
			return nil, err
		}
	}
	if url != "" {
		if err := v.Navigate(ctx, url); err != nil {
			return v, err
		}
	}
	return v, nil
}

// claim returns the surface's view, or nil once the caller owns opening it.
func (h *ChromeHost) claim(ctx context.Context, surfaceID uuid.UUID) (*chromeView, error) {
	for {
		h.mu.Lock()
		if v, ok := h.views[surfaceID]; ok {
			h.mu.Unlock()
			return v, nil
		}
		done, busy := h.attaching[surfaceID]
		if !busy {
			h.attaching[surfaceID] = make(chan struct{})
			h.mu.Unlock()
			return nil, nil
		}
		h.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release ends a claim, publishing v when the tab opened.
func (h *ChromeHost) release(surfaceID uuid.UUID, v *chromeView) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v != nil {
		h.views[surfaceID] = v
	}
	if done, ok := h.attaching[surfaceID]; ok {
		close(done)
		delete(h.attaching, surfaceID)
	}
}

func (h *ChromeHost) open(surfaceID uuid.UUID) (*chromeView, error) {
	var v *chromeView
	defer func() { h.release(surfaceID, v) }()

	tabCtx, cancel := chromedp.NewContext(h.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: open tab: %v", ErrUnavailable, err)
	}
	if h.initScript != "" {
		err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(h.initScript).Do(ctx)
			return err
		}))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: register init script: %v", ErrUnavailable, err)
		}
	}
	v = &chromeView{host: h, ctx: tabCtx, cancel: cancel}
	h.logger.Debug("content view attached", "surface_id", surfaceID)
	return v, nil
}

func (h *ChromeHost) View(surfaceID uuid.UUID) (View, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.views[surfaceID]
	if !ok {
		return nil, false
	}
	return v, true
}

func (h *ChromeHost) Detach(surfaceID uuid.UUID) error {
	h.mu.Lock()
	v, ok := h.views[surfaceID]
	delete(h.views, surfaceID)
	if ok && h.focused == v {
		h.focused = nil
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	v.cancel()
	return nil
}

func (h *ChromeHost) Close() error {
	h.mu.Lock()
	for id, v := range h.views {
		v.cancel()
		delete(h.views, id)
	}
	h.focused = nil
	h.mu.Unlock()
	h.cancel()
	h.allocCancel()
	return nil
}

type chromeView struct {
	host   *ChromeHost
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions on the tab, bounded by the caller's deadline.
func (v *chromeView) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := v.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(v.ctx, deadline)
		defer cancel()
	}
	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	var exc *runtime.ExceptionDetails
	if errors.As(err, &exc) {
		return &ScriptError{Message: exceptionText(exc)}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if v.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func exceptionText(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}

func (v *chromeView) Navigate(ctx context.Context, url string) error {
	return v.run(ctx, chromedp.Navigate(url))
}

func (v *chromeView) Back(ctx context.Context) error {
	return v.run(ctx, chromedp.NavigateBack())
}

func (v *chromeView) Forward(ctx context.Context) error {
	return v.run(ctx, chromedp.NavigateForward())
}

func (v *chromeView) Reload(ctx context.Context) error {
	return v.run(ctx, chromedp.Reload())
}

func (v *chromeView) URL(ctx context.Context) (string, error) {
	var url string
	err := v.run(ctx, chromedp.Location(&url))
	return url, err
}

func (v *chromeView) Title(ctx context.Context) (string, error) {
	var title string
	err := v.run(ctx, chromedp.Title(&title))
	return title, err
}

func (v *chromeView) Evaluate(ctx context.Context, script string) ([]byte, error) {
	var raw []byte
	err := v.run(ctx, chromedp.Evaluate(script, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	return raw, err
}

func (v *chromeView) Cookies(ctx context.Context) ([]Cookie, error) {
	var out []Cookie
	err := v.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				Session:  c.Session,
				Expires:  c.Expires,
			})
		}
		return nil
	}))
	return out, err
}

func (v *chromeView) SetCookie(ctx context.Context, c Cookie) error {
	return v.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := network.SetCookie(c.Name, c.Value).
			WithPath(c.Path).
			WithSecure(c.Secure).
			WithHTTPOnly(c.HTTPOnly)
		if c.Domain != "" {
			params = params.WithDomain(c.Domain)
		}
		if !c.Session && c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			expires := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			params = params.WithExpires(&expires)
		}
		return params.Do(ctx)
	}))
}

func (v *chromeView) DeleteCookie(ctx context.Context, name, domain, path string) error {
	return v.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := network.DeleteCookies(name)
		if domain != "" {
			params = params.WithDomain(domain)
		}
		if path != "" {
			params = params.WithPath(path)
		}
		return params.Do(ctx)
	}))
}

func (v *chromeView) ClearCookies(ctx context.Context) error {
	return v.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.ClearBrowserCookies().Do(ctx)
	}))
}

func (v *chromeView) Focus(ctx context.Context) error {
	err := v.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.BringToFront().Do(ctx)
	}))
	if err == nil {
		v.host.setFocused(v)
	}
	return err
}

// Focused reports whether v is the tab most recently brought to front.
func (v *chromeView) Focused() bool {
	v.host.mu.Lock()
	defer v.host.mu.Unlock()
	return v.host.focused == v
}

// setFocused moves focus to v unless v was detached meanwhile.
func (h *ChromeHost) setFocused(v *chromeView) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, live := range h.views {
		if live == v {
			h.focused = v
			return
		}
	}
}
