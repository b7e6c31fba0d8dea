package browser

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/g960059/cmuxctl/internal/model"
	"github.com/g960059/cmuxctl/internal/webview"
)

type CookieFilter struct {
	Name   string
	Domain string
}

func (f CookieFilter) match(c webview.Cookie) bool {
	if f.Name != "" && c.Name != f.Name {
		return false
	}
	if f.Domain != "" && strings.TrimPrefix(c.Domain, ".") != strings.TrimPrefix(f.Domain, ".") {
		return false
	}
	return true
}

func (e *Engine) Cookies(ctx context.Context, surface uuid.UUID, f CookieFilter) (map[string]any, error) {
	v, err := e.view(surface)
	if err != nil {
		return nil, err
	}
	all, err := v.Cookies(ctx)
	if err != nil {
		return nil, evalError(err, e.cfg.ScriptTimeout)
	}
	out := make([]webview.Cookie, 0, len(all))
	for _, c := range all {
		if f.match(c) {
			out = append(out, c)
		}
	}
	return surfaceResult(surface, map[string]any{"cookies": out, "count": len(out)}), nil
}

func (e *Engine) SetCookie(ctx context.Context, surface uuid.UUID, c webview.Cookie) (map[string]any, error) {
	if err := requireText("name", c.Name); err != nil {
		return nil, err
	}
	v, err := e.view(surface)
	if err != nil {
		return nil, err
	}
	if c.Domain == "" {
		if c.Domain, err = e.currentHost(ctx, v); err != nil {
			return nil, err
		}
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if err := v.SetCookie(ctx, c); err != nil {
		return nil, evalError(err, e.cfg.ScriptTimeout)
	}
	return surfaceResult(surface, map[string]any{"cookie": c}), nil
}

func (e *Engine) currentHost(ctx context.Context, v webview.View) (string, error) {
	raw, err := v.URL(ctx)
	if err != nil {
		return "", evalError(err, e.cfg.ScriptTimeout)
	}
	_, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return "", model.InvalidParams("domain is required for page %q", raw)
	}
	host, _, _ := strings.Cut(rest, "/")
	host, _, _ = strings.Cut(host, ":")
	if host == "" {
		return "", model.InvalidParams("domain is required for page %q", raw)
	}
	return host, nil
}

// ClearCookies removes matching cookies, or every cookie when f is empty.
func (e *Engine) ClearCookies(ctx context.Context, surface uuid.UUID, f CookieFilter) (map[string]any, error) {
	v, err := e.view(surface)
	if err != nil {
		return nil, err
	}
	if f.Name == "" && f.Domain == "" {
		if err := v.ClearCookies(ctx); err != nil {
			return nil, evalError(err, e.cfg.ScriptTimeout)
		}
		return surfaceResult(surface, map[string]any{"cleared": "all"}), nil
	}
	all, err := v.Cookies(ctx)
	if err != nil {
		return nil, evalError(err, e.cfg.ScriptTimeout)
	}
	n := 0
	for _, c := range all {
		if !f.match(c) {
			continue
		}
		if err := v.DeleteCookie(ctx, c.Name, c.Domain, c.Path); err != nil {
			return nil, evalError(err, e.cfg.ScriptTimeout)
		}
		n++
	}
	return surfaceResult(surface, map[string]any{"cleared": n}), nil
}

func storageKind(kind string) (string, error) {
	switch kind {
	case "", "local":
		return "local", nil
	case "session":
		return "session", nil
	default:
		return "", model.InvalidParams("storage type must be local or session")
	}
}

func (e *Engine) StorageGet(ctx context.Context, surface uuid.UUID, kind, key string) (map[string]any, error) {
	kind, err := storageKind(kind)
	if err != nil {
		return nil, err
	}
	res, err := e.check(ctx, surface, opStorage, e.frame(surface), map[string]any{"kind": kind, "action": "get", "key": key})
	if err != nil {
		return nil, err
	}
	out := surfaceResult(surface, map[string]any{"type": kind})
	if key != "" {
		out["key"] = key
		out["value"] = resultValue(res.Get("value"))
	} else {
		out["entries"] = stringMap(res.Get("entries"))
	}
	return out, nil
}

func (e *Engine) StorageSet(ctx context.Context, surface uuid.UUID, kind, key, value string) (map[string]any, error) {
	kind, err := storageKind(kind)
	if err != nil {
		return nil, err
	}
	if err := requireText("key", key); err != nil {
		return nil, err
	}
	if _, err := e.check(ctx, surface, opStorage, e.frame(surface), map[string]any{"kind": kind, "action": "set", "key": key, "value": value}); err != nil {
		return nil, err
	}
	return surfaceResult(surface, map[string]any{"type": kind, "key": key}), nil
}

func (e *Engine) StorageClear(ctx context.Context, surface uuid.UUID, kind, key string) (map[string]any, error) {
	kind, err := storageKind(kind)
	if err != nil {
		return nil, err
	}
	if _, err := e.check(ctx, surface, opStorage, e.frame(surface), map[string]any{"kind": kind, "action": "clear", "key": key}); err != nil {
		return nil, err
	}
	return surfaceResult(surface, map[string]any{"type": kind}), nil
}

func stringMap(r gjson.Result) map[string]string {
	out := map[string]string{}
	r.ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = v.String()
		return true
	})
	return out
}

// State is the on-disk browser state format.
type State struct {
	URL           string        `json:"url"`
	Cookies       []StateCookie `json:"cookies"`
	Storage       StateStorage  `json:"storage"`
	FrameSelector *string       `json:"frame_selector"`
}

type StateCookie struct {
	Name        string  `json:"name"`
	Value       string  `json:"value"`
	Domain      string  `json:"domain"`
	Path        string  `json:"path"`
	Secure      bool    `json:"secure"`
	SessionOnly bool    `json:"session_only"`
	Expires     float64 `json:"expires,omitempty"`
}

type StateStorage struct {
	Local   map[string]string `json:"local"`
	Session map[string]string `json:"session"`
}

// SaveState writes the page URL, cookies, both storages and the frame scope
// to path.
func (e *Engine) SaveState(ctx context.Context, surface uuid.UUID, path string) (map[string]any, error) {
	if err := requireText("path", path); err != nil {
		return nil, err
	}
	v, err := e.view(surface)
	if err != nil {
		return nil, err
	}
	url, err := v.URL(ctx)
	if err != nil {
		return nil, evalError(err, e.cfg.ScriptTimeout)
	}
	cookies, err := v.Cookies(ctx)
	if err != nil {
		return nil, evalError(err, e.cfg.ScriptTimeout)
	}
	state := State{URL: url, Cookies: make([]StateCookie, 0, len(cookies))}
	for _, c := range cookies {
		state.Cookies = append(state.Cookies, StateCookie{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			Secure: c.Secure, SessionOnly: c.Session, Expires: c.Expires,
		})
	}
	frame := e.frame(surface)
	if frame != "" {
		state.FrameSelector = &frame
	}
	for _, kind := range []string{"local", "session"} {
		res, err := e.check(ctx, surface, opStorage, "", map[string]any{"kind": kind, "action": "get"})
		if err != nil {
			return nil, err
		}
		if kind == "local" {
			state.Storage.Local = stringMap(res.Get("entries"))
		} else {
			state.Storage.Session = stringMap(res.Get("entries"))
		}
	}

	body, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, model.Errorf(model.ErrEncode, "encode state: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, model.Errorf(model.ErrInvalidState, "create state dir: %v", err)
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return nil, model.Errorf(model.ErrInvalidState, "write state: %v", err)
	}
	return surfaceResult(surface, map[string]any{
		"path":          path,
		"url":           url,
		"cookie_count":  len(state.Cookies),
		"local_count":   len(state.Storage.Local),
		"session_count": len(state.Storage.Session),
	}), nil
}

// LoadState restores navigation, cookies, storage and frame scope from a file
// written by SaveState.
func (e *Engine) LoadState(ctx context.Context, surface uuid.UUID, path string) (map[string]any, error) {
	if err := requireText("path", path); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NotFound("state file %s not found", path)
		}
		return nil, model.Errorf(model.ErrInvalidState, "read state: %v", err)
	}
	var state State
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, model.InvalidParams("invalid state file: %v", err)
	}
	v, err := e.view(surface)
	if err != nil {
		return nil, err
	}

	for _, c := range state.Cookies {
		if err := v.SetCookie(ctx, webview.Cookie{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			Secure: c.Secure, Session: c.SessionOnly, Expires: c.Expires,
		}); err != nil {
			return nil, evalError(err, e.cfg.ScriptTimeout)
		}
	}
	if state.URL != "" {
		if err := v.Navigate(ctx, state.URL); err != nil {
			return nil, evalError(err, e.cfg.ScriptTimeout)
		}
		e.afterNavigation(ctx, surface)
	}
	for kind, entries := range map[string]map[string]string{"local": state.Storage.Local, "session": state.Storage.Session} {
		if len(entries) == 0 {
			continue
		}
		if _, err := e.check(ctx, surface, opStorage, "", map[string]any{"kind": kind, "action": "restore", "entries": entries}); err != nil {
			return nil, err
		}
	}
	frame := ""
	if state.FrameSelector != nil {
		frame = *state.FrameSelector
	}
	e.withState(surface, func(st *surfaceState) { st.frame = frame })

	return surfaceResult(surface, map[string]any{
		"path":           path,
		"url":            state.URL,
		"cookie_count":   len(state.Cookies),
		"frame_selector": state.FrameSelector,
	}), nil
}
