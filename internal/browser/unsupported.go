package browser

import (
	"context"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/model"
)

// UnsupportedReasons maps capabilities the content view cannot provide to
// the reason reported to callers.
var UnsupportedReasons = map[string]string{
	"browser.viewport.set":     "viewport emulation is not available for the embedded content view",
	"browser.geolocation.set":  "geolocation override is not available for the embedded content view",
	"browser.offline.set":      "offline emulation is not available for the embedded content view",
	"browser.trace.start":      "tracing is not available for the embedded content view",
	"browser.trace.stop":       "tracing is not available for the embedded content view",
	"browser.network.route":    "network interception is not available; the route was logged but is not enforced",
	"browser.network.unroute":  "network interception is not available; the unroute was logged but is not enforced",
	"browser.network.requests": "network request capture is not available for the embedded content view",
	"browser.screencast.start": "screencasting is not available for the embedded content view",
	"browser.screencast.stop":  "screencasting is not available for the embedded content view",
	"browser.input_mouse":      "raw mouse event injection is not available; use browser.click or browser.hover",
	"browser.input_keyboard":   "raw keyboard event injection is not available; use browser.type or browser.press",
	"browser.input_touch":      "raw touch event injection is not available for the embedded content view",
}

// UnsupportedMethods returns the sorted names in UnsupportedReasons.
func UnsupportedMethods() []string {
	out := make([]string, 0, len(UnsupportedReasons))
	for m := range UnsupportedReasons {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

type UnsupportedCall struct {
	Method      string `json:"method"`
	Pattern     string `json:"pattern,omitempty"`
	MatchesPage *bool  `json:"matches_page,omitempty"`
	At          string `json:"at"`
}

// Unsupported rejects a capability call. Route and unroute calls are logged
// per surface first; their URL pattern must be a valid glob.
func (e *Engine) Unsupported(ctx context.Context, surface uuid.UUID, method, pattern string) error {
	reason, ok := UnsupportedReasons[method]
	if !ok {
		return model.Errorf(model.ErrMethodNotFound, "unknown method %q", method)
	}
	if method == "browser.network.route" || method == "browser.network.unroute" {
		call := UnsupportedCall{Method: method, Pattern: pattern, At: time.Now().UTC().Format(time.RFC3339Nano)}
		if pattern != "" {
			g, err := glob.Compile(pattern)
			if err != nil {
				return model.InvalidParams("invalid url pattern %q: %v", pattern, err)
			}
			if v, ok := e.host.View(surface); ok {
				if url, err := v.URL(ctx); err == nil {
					matched := g.Match(url)
					call.MatchesPage = &matched
				}
			}
		}
		e.withState(surface, func(st *surfaceState) { st.unsupported.push(call) })
		e.logger.Debug("unsupported capability requested", "surface_id", surface, "method", method, "pattern", pattern)
	}
	return model.NotSupported("%s", reason).WithData(map[string]any{"method": method})
}

func (e *Engine) UnsupportedLog(surface uuid.UUID) map[string]any {
	var entries []UnsupportedCall
	var dropped int
	e.withState(surface, func(st *surfaceState) {
		entries = st.unsupported.list()
		dropped = st.unsupported.dropped
	})
	return surfaceResult(surface, map[string]any{"entries": entries, "dropped": dropped})
}
