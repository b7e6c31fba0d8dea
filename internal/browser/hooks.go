package browser

import (
	"context"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/g960059/cmuxctl/internal/config"
	"github.com/g960059/cmuxctl/internal/model"
)

type Dialog struct {
	Type        string  `json:"type"`
	Message     string  `json:"message"`
	DefaultText *string `json:"default_text"`
}

type ConsoleEntry struct {
	Level string `json:"level"`
	Text  string `json:"text"`
	At    int64  `json:"at"`
}

type ErrorEntry struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
	Line    int64  `json:"line,omitempty"`
	At      int64  `json:"at"`
}

// InstallHooks installs the dialog overrides and telemetry wrappers on the
// top-level page. Both are guarded by a page flag, so repeating the call is a
// no-op until the page navigates.
func (e *Engine) InstallHooks(ctx context.Context, surface uuid.UUID) (map[string]any, error) {
	res, err := e.check(ctx, surface, opHooks, "", hookArgs(e.cfg))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"console_installed": res.Get("console").Bool(),
		"dialogs_installed": res.Get("dialogs").Bool(),
	}, nil
}

// HookScript returns the hook installer as a standalone script. Hosts that
// run it at the start of every document keep the hooks in place across
// navigations the page starts on its own.
func HookScript(cfg config.BrowserConfig) (string, error) {
	return buildScript(opHooks, "", hookArgs(cfg))
}

func hookArgs(cfg config.BrowserConfig) map[string]any {
	return map[string]any{
		"telemetry_guard": telemetryGuard,
		"dialog_guard":    dialogGuard,
		"limit":           max(cfg.TelemetryLimit, cfg.DialogQueueLimit),
	}
}

// syncDialogs moves dialogs recorded by the page into the surface queue.
func (e *Engine) syncDialogs(ctx context.Context, surface uuid.UUID) error {
	if _, err := e.InstallHooks(ctx, surface); err != nil {
		return err
	}
	res, err := e.check(ctx, surface, opDialogs, "", nil)
	if err != nil {
		return err
	}
	var batch []Dialog
	res.Get("dialogs").ForEach(func(_, d gjson.Result) bool {
		dlg := Dialog{Type: d.Get("type").String(), Message: d.Get("message").String()}
		if def := d.Get("default_text"); def.Exists() && def.Type != gjson.Null {
			s := def.String()
			dlg.DefaultText = &s
		}
		batch = append(batch, dlg)
		return true
	})
	if len(batch) > 0 {
		e.withState(surface, func(st *surfaceState) { st.dialogs.push(batch...) })
	}
	return nil
}

func (e *Engine) Dialogs(ctx context.Context, surface uuid.UUID) (map[string]any, error) {
	if err := e.syncDialogs(ctx, surface); err != nil {
		return nil, err
	}
	var list []Dialog
	var dropped int
	e.withState(surface, func(st *surfaceState) {
		list = st.dialogs.list()
		dropped = st.dialogs.dropped
	})
	if list == nil {
		list = []Dialog{}
	}
	return surfaceResult(surface, map[string]any{"dialogs": list, "dropped": dropped}), nil
}

// RespondDialog pops the oldest queued dialog and stores the answer as the
// page default for the next dialog of the same type. The dialog that was
// popped already returned to page script when it was raised.
func (e *Engine) RespondDialog(ctx context.Context, surface uuid.UUID, accept bool, text *string) (map[string]any, error) {
	if err := e.syncDialogs(ctx, surface); err != nil {
		return nil, err
	}
	var (
		dlg Dialog
		ok  bool
	)
	e.withState(surface, func(st *surfaceState) { dlg, ok = st.dialogs.pop() })
	if !ok {
		return nil, model.NotFound("no pending dialog on surface %s", surface)
	}
	args := map[string]any{"type": dlg.Type, "accept": accept}
	if text != nil {
		args["text"] = *text
	}
	if _, err := e.check(ctx, surface, opRespond, "", args); err != nil {
		return nil, err
	}
	return surfaceResult(surface, map[string]any{
		"dialog":     dlg,
		"accepted":   accept,
		"applies_to": "next",
	}), nil
}

// syncTelemetry drains the page buffers into the surface ring buffers.
func (e *Engine) syncTelemetry(ctx context.Context, surface uuid.UUID) error {
	if _, err := e.InstallHooks(ctx, surface); err != nil {
		return err
	}
	res, err := e.check(ctx, surface, opTelemetry, "", nil)
	if err != nil {
		return err
	}
	var logs []ConsoleEntry
	res.Get("console").ForEach(func(_, c gjson.Result) bool {
		logs = append(logs, ConsoleEntry{Level: c.Get("level").String(), Text: c.Get("text").String(), At: c.Get("at").Int()})
		return true
	})
	var errs []ErrorEntry
	res.Get("errors").ForEach(func(_, c gjson.Result) bool {
		errs = append(errs, ErrorEntry{
			Kind:    c.Get("kind").String(),
			Message: c.Get("message").String(),
			Source:  c.Get("source").String(),
			Line:    c.Get("line").Int(),
			At:      c.Get("at").Int(),
		})
		return true
	})
	e.withState(surface, func(st *surfaceState) {
		st.console.push(logs...)
		st.errors.push(errs...)
	})
	return nil
}

func (e *Engine) Console(ctx context.Context, surface uuid.UUID, clear bool) (map[string]any, error) {
	if err := e.syncTelemetry(ctx, surface); err != nil {
		return nil, err
	}
	var entries []ConsoleEntry
	e.withState(surface, func(st *surfaceState) {
		entries = st.console.list()
		if clear {
			st.console.clear()
		}
	})
	return surfaceResult(surface, map[string]any{"entries": entries, "count": len(entries)}), nil
}

func (e *Engine) ClearConsole(ctx context.Context, surface uuid.UUID) (map[string]any, error) {
	if err := e.syncTelemetry(ctx, surface); err != nil {
		return nil, err
	}
	var n int
	e.withState(surface, func(st *surfaceState) {
		n = st.console.len()
		st.console.clear()
	})
	return surfaceResult(surface, map[string]any{"cleared": n}), nil
}

func (e *Engine) Errors(ctx context.Context, surface uuid.UUID, clear bool) (map[string]any, error) {
	if err := e.syncTelemetry(ctx, surface); err != nil {
		return nil, err
	}
	var entries []ErrorEntry
	e.withState(surface, func(st *surfaceState) {
		entries = st.errors.list()
		if clear {
			st.errors.clear()
		}
	})
	return surfaceResult(surface, map[string]any{"entries": entries, "count": len(entries)}), nil
}
