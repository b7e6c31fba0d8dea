package browser

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/cmuxctl/internal/config"
	"github.com/g960059/cmuxctl/internal/model"
	"github.com/g960059/cmuxctl/internal/testutil"
	"github.com/g960059/cmuxctl/internal/webview"
)

type fixture struct {
	engine  *Engine
	host    *testutil.FakeHost
	surface uuid.UUID
	page    *testutil.FakePage
	view    *testutil.FakeView
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig().Browser
	cfg.ScriptTimeout = time.Second
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.WaitTimeout = 500 * time.Millisecond
	cfg.WaitPollInterval = 10 * time.Millisecond

	host := testutil.NewFakeHost()
	page := testutil.NewFakePage("https://example.com/login", "Login")
	surface := uuid.New()
	view := host.Put(surface, page)
	return &fixture{
		engine:  New(host, cfg, nil),
		host:    host,
		surface: surface,
		page:    page,
		view:    view,
	}
}

func requireCode(t *testing.T, err error, code string) *model.Error {
	t.Helper()
	require.Error(t, err)
	var pe *model.Error
	require.True(t, errors.As(err, &pe), "want protocol error, got %T: %v", err, err)
	require.Equal(t, code, pe.Code, pe.Message)
	return pe
}

func TestActRetriesUntilElementAppears(t *testing.T) {
	f := newFixture(t)
	f.page.AddAfter(80*time.Millisecond, &testutil.FakeElement{ID: "go", Tag: "button", Text: "Go"})

	res, err := f.engine.Act(context.Background(), f.surface, ActionRequest{
		Action:   "click",
		Selector: "#go",
		Retry:    Retry{Retries: 20, Interval: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.Greater(t, res["attempts"], 1)
	assert.Equal(t, "#go", res["selector"])
	assert.Equal(t, "button", res["tag"])
	assert.Equal(t, []string{"click"}, f.page.Events("go"))
}

func TestActExhaustedRetriesReportDiagnostics(t *testing.T) {
	f := newFixture(t)
	f.page.Add(&testutil.FakeElement{ID: "login", Tag: "button", Text: "Sign in"})
	f.page.Add(&testutil.FakeElement{ID: "help", Tag: "a", Text: "Help"})

	_, err := f.engine.Act(context.Background(), f.surface, ActionRequest{
		Action:   "click",
		Selector: "#does-not-exist",
		Retry:    Retry{Retries: 3, Interval: 5 * time.Millisecond},
	})
	pe := requireCode(t, err, model.ErrNotFound)
	assert.Equal(t, 4, f.page.CountOp(opAction))

	data, ok := pe.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "#does-not-exist", data["selector"])
	assert.EqualValues(t, 4, data["attempts"])
	assert.EqualValues(t, 0, data["match_count"])
	assert.Equal(t, "page", data["samples_from"])
	assert.Equal(t, "Login", data["title"])
	assert.Equal(t, "https://example.com/login", data["url"])
	samples, ok := data["samples"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, samples)
	assert.Contains(t, data["snapshot_excerpt"], `button "Sign in"`)
}

func TestActValidatesArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Act(ctx, f.surface, ActionRequest{Action: "explode", Selector: "#x"})
	requireCode(t, err, model.ErrInvalidParams)
	_, err = f.engine.Act(ctx, f.surface, ActionRequest{Action: "click"})
	requireCode(t, err, model.ErrInvalidParams)
	_, err = f.engine.Act(ctx, f.surface, ActionRequest{Action: "select", Selector: "#x"})
	requireCode(t, err, model.ErrInvalidParams)
	_, err = f.engine.Act(ctx, f.surface, ActionRequest{Action: "press"})
	requireCode(t, err, model.ErrInvalidParams)
	assert.Zero(t, f.view.Evals())
}

func TestActInvalidSelectorIsNotRetried(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Act(context.Background(), f.surface, ActionRequest{
		Action:   "click",
		Selector: "a==b",
		Retry:    Retry{Retries: 5, Interval: time.Millisecond},
	})
	requireCode(t, err, model.ErrInvalidParams)
	assert.Equal(t, 1, f.page.CountOp(opAction))
}

func TestFillAndQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.page.Add(&testutil.FakeElement{ID: "email", Tag: "input"})
	f.page.Add(&testutil.FakeElement{ID: "note", Tag: "p", Text: "hello", Hidden: true})

	_, err := f.engine.Act(ctx, f.surface, ActionRequest{Action: "fill", Selector: "#email", Text: "a@b.c"})
	require.NoError(t, err)

	res, err := f.engine.Query(ctx, f.surface, "value", "#email", "", Retry{})
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", res["value"])

	res, err = f.engine.Query(ctx, f.surface, "visible", "#note", "", Retry{Retries: 3, Interval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, false, res["value"])

	res, err = f.engine.Query(ctx, f.surface, "count", "#nothing", "", Retry{Retries: 3, Interval: time.Second})
	require.NoError(t, err)
	assert.EqualValues(t, 0, res["value"])

	_, err = f.engine.Query(ctx, f.surface, "colour", "#email", "", Retry{})
	requireCode(t, err, model.ErrInvalidParams)
	_, err = f.engine.Query(ctx, f.surface, "attr", "#email", "", Retry{})
	requireCode(t, err, model.ErrInvalidParams)
}

func TestFindAllocatesRefUsableByActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.page.Add(&testutil.FakeElement{ID: "login", Tag: "button", Text: "Sign in"})

	res, err := f.engine.Find(ctx, f.surface, FindRequest{By: "text", Text: "sign in"})
	require.NoError(t, err)
	assert.Equal(t, "@e1", res["element_ref"])
	assert.Equal(t, "#login", res["selector"])
	assert.Equal(t, "button", res["role"])

	_, err = f.engine.Act(ctx, f.surface, ActionRequest{Action: "click", Selector: "@e1"})
	require.NoError(t, err)
	_, err = f.engine.Act(ctx, f.surface, ActionRequest{Action: "click", Selector: "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"click", "click"}, f.page.Events("login"))
}

func TestFindByTextDiagnosesAgainstThePage(t *testing.T) {
	f := newFixture(t)
	f.page.Add(&testutil.FakeElement{ID: "login", Tag: "button", Text: "Sign in"})

	_, err := f.engine.Find(context.Background(), f.surface, FindRequest{By: "text", Text: "Register"})
	pe := requireCode(t, err, model.ErrNotFound)
	assert.Contains(t, pe.Message, "text=Register")
	assert.Equal(t, "", f.page.LastArgs(opDiagnose)["selector"])

	data, ok := pe.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "text=Register", data["selector"])
	assert.Equal(t, "page", data["samples_from"])
	assert.NotEmpty(t, data["samples"])
}

func TestElementRefsAreNeverDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.page.Add(&testutil.FakeElement{ID: "login", Tag: "button", Text: "Sign in"})

	first, err := f.engine.Find(ctx, f.surface, FindRequest{By: "selector", Selector: "#login"})
	require.NoError(t, err)
	second, err := f.engine.Find(ctx, f.surface, FindRequest{By: "selector", Selector: "#login"})
	require.NoError(t, err)
	assert.Equal(t, "@e1", first["element_ref"])
	assert.Equal(t, "@e2", second["element_ref"])
}

func TestElementRefBelongsToItsSurface(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.page.Add(&testutil.FakeElement{ID: "login", Tag: "button", Text: "Sign in"})
	other := uuid.New()
	f.host.Put(other, testutil.NewFakePage("https://example.com/other", "Other"))

	res, err := f.engine.Find(ctx, f.surface, FindRequest{By: "role", Role: "button", Name: "sign"})
	require.NoError(t, err)
	ref := res["element_ref"].(string)

	_, err = f.engine.Resolve(other, ref)
	requireCode(t, err, model.ErrNotFound)
	_, err = f.engine.Resolve(f.surface, "@e99")
	requireCode(t, err, model.ErrNotFound)

	f.engine.Forget(f.surface)
	_, err = f.engine.Resolve(f.surface, ref)
	requireCode(t, err, model.ErrNotFound)
	assert.False(t, f.engine.HasView(f.surface))
}

func TestSnapshotAllocatesRefsPerNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.page.Add(&testutil.FakeElement{Tag: "h1", Text: "Welcome"})
	f.page.Add(&testutil.FakeElement{ID: "login", Tag: "button", Text: "Sign in", Depth: 1})
	f.page.Add(&testutil.FakeElement{ID: "ghost", Tag: "button", Text: "Hidden", Hidden: true})

	res, err := f.engine.Snapshot(ctx, f.surface, SnapshotRequest{IncludeText: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res["node_count"])
	assert.Equal(t, "- heading \"Welcome\" [ref=@e1]\n  - button \"Sign in\" [ref=@e2]\n", res["snapshot"])
	refs := res["refs"].(map[string]any)
	assert.Equal(t, "#login", refs["@e2"].(map[string]any)["selector"])
	assert.Equal(t, "Welcome Sign in", res["text"])

	selector, err := f.engine.Resolve(f.surface, "@e2")
	require.NoError(t, err)
	assert.Equal(t, "#login", selector)
}

func TestDialogsQueueInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.InstallHooks(ctx, f.surface)
	require.NoError(t, err)

	def := "guest"
	f.page.RaiseDialog("alert", "first", nil)
	f.page.RaiseDialog("confirm", "second", nil)
	f.page.RaiseDialog("prompt", "third", &def)

	res, err := f.engine.Dialogs(ctx, f.surface)
	require.NoError(t, err)
	list := res["dialogs"].([]Dialog)
	require.Len(t, list, 3)
	assert.Equal(t, "first", list[0].Message)
	assert.Equal(t, "third", list[2].Message)
	assert.Equal(t, "guest", *list[2].DefaultText)

	for i, want := range []string{"first", "second", "third"} {
		accept := i == 1
		res, err := f.engine.RespondDialog(ctx, f.surface, accept, nil)
		require.NoError(t, err)
		assert.Equal(t, want, res["dialog"].(Dialog).Message)
		assert.Equal(t, "next", res["applies_to"])
	}
	_, err = f.engine.RespondDialog(ctx, f.surface, true, nil)
	requireCode(t, err, model.ErrNotFound)

	assert.Equal(t, true, f.page.RaiseDialog("confirm", "again", nil))
}

func TestDialogPromptAnswerAppliesToNextPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.InstallHooks(ctx, f.surface)
	require.NoError(t, err)

	f.page.RaiseDialog("prompt", "name?", nil)
	text := "alice"
	_, err = f.engine.RespondDialog(ctx, f.surface, true, &text)
	require.NoError(t, err)
	assert.Equal(t, "alice", f.page.RaiseDialog("prompt", "name again?", nil))
	assert.Equal(t, "alice", f.page.LastArgs(opRespond)["text"])
}

func TestDialogQueueIsBounded(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.DialogQueueLimit = 2
	ctx := context.Background()
	_, err := f.engine.InstallHooks(ctx, f.surface)
	require.NoError(t, err)
	for _, m := range []string{"a", "b", "c"} {
		f.page.RaiseDialog("alert", m, nil)
	}
	res, err := f.engine.Dialogs(ctx, f.surface)
	require.NoError(t, err)
	list := res["dialogs"].([]Dialog)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Message)
	assert.Equal(t, 1, res["dropped"])
}

func TestInstallHooksIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.InstallHooks(ctx, f.surface)
	require.NoError(t, err)
	assert.Equal(t, true, first["console_installed"])
	second, err := f.engine.InstallHooks(ctx, f.surface)
	require.NoError(t, err)
	assert.Equal(t, false, second["console_installed"])
	assert.Equal(t, false, second["dialogs_installed"])

	f.page.ConsoleLog("log", "hello")
	res, err := f.engine.Console(ctx, f.surface, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res["count"])
	entries := res["entries"].([]ConsoleEntry)
	assert.Equal(t, "hello", entries[0].Text)

	res, err = f.engine.ClearConsole(ctx, f.surface)
	require.NoError(t, err)
	assert.Equal(t, 1, res["cleared"])
	res, err = f.engine.Console(ctx, f.surface, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res["count"])
}

func TestErrorsAreCollected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.InstallHooks(ctx, f.surface)
	require.NoError(t, err)
	f.page.PageError("boom")

	res, err := f.engine.Errors(ctx, f.surface, true)
	require.NoError(t, err)
	entries := res["entries"].([]ErrorEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Message)

	res, err = f.engine.Errors(ctx, f.surface, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res["count"])
}

func TestNavigationReinstallsHooksAndResetsFrame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.page.AddFrame("#inner", false)
	_, err := f.engine.SelectFrame(ctx, f.surface, "#inner")
	require.NoError(t, err)

	res, err := f.engine.Navigate(ctx, f.surface, "https://example.com/home")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/home", res["url"])
	assert.Equal(t, "", f.engine.frame(f.surface))

	f.view.Page().ConsoleLog("info", "after nav")
	res, err = f.engine.Console(ctx, f.surface, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res["count"])

	res, err = f.engine.Back(ctx, f.surface)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/login", res["url"])

	_, err = f.engine.Navigate(ctx, f.surface, "  ")
	requireCode(t, err, model.ErrInvalidParams)
}

func TestActThatNavigatesReinstallsHooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.page.Add(&testutil.FakeElement{ID: "home", Tag: "a", Text: "Home", Href: "https://example.com/home"})
	f.page.Add(&testutil.FakeElement{ID: "stay", Tag: "button", Text: "Stay"})
	_, err := f.engine.InstallHooks(ctx, f.surface)
	require.NoError(t, err)

	res, err := f.engine.Act(ctx, f.surface, ActionRequest{Action: "click", Selector: "#home"})
	require.NoError(t, err)
	assert.Equal(t, true, res["navigated"])
	assert.Equal(t, "https://example.com/home", f.page.URL())
	assert.Equal(t, 2, f.page.CountOp(opHooks))

	f.page.ConsoleLog("log", "after click")
	res, err = f.engine.Console(ctx, f.surface, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res["count"])

	installs := f.page.CountOp(opHooks)
	res, err = f.engine.Act(ctx, f.surface, ActionRequest{Action: "click", Selector: "#stay"})
	require.NoError(t, err)
	assert.NotContains(t, res, "navigated")
	assert.Equal(t, installs, f.page.CountOp(opHooks))
}

func TestHookScriptInstallsAtDocumentStart(t *testing.T) {
	ctx := context.Background()
	script, err := HookScript(config.DefaultConfig().Browser)
	require.NoError(t, err)

	f := newFixture(t)
	_, err = f.view.Evaluate(ctx, script)
	require.NoError(t, err)
	f.page.ConsoleLog("warn", "early")

	res, err := f.engine.InstallHooks(ctx, f.surface)
	require.NoError(t, err)
	assert.Equal(t, false, res["console_installed"])
	res, err = f.engine.Console(ctx, f.surface, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res["count"])
}

func TestEmptyTelemetryEncodesAsArrays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Console(ctx, f.surface, false)
	require.NoError(t, err)
	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"entries":[]`)

	res, err = f.engine.Errors(ctx, f.surface, false)
	require.NoError(t, err)
	raw, err = json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"entries":[]`)
}

func TestSelectFrame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.page.AddFrame("#same", false)
	f.page.AddFrame("#ads", true)
	f.page.Add(&testutil.FakeElement{ID: "inside", Tag: "button", Text: "Inside", Frame: "#same"})

	_, err := f.engine.SelectFrame(ctx, f.surface, "#ads")
	requireCode(t, err, model.ErrNotSupported)
	_, err = f.engine.SelectFrame(ctx, f.surface, "#missing")
	requireCode(t, err, model.ErrNotFound)

	_, err = f.engine.Query(ctx, f.surface, "text", "#inside", "", Retry{})
	requireCode(t, err, model.ErrNotFound)

	res, err := f.engine.SelectFrame(ctx, f.surface, "#same")
	require.NoError(t, err)
	assert.Equal(t, "#same", res["frame_selector"])
	res, err = f.engine.Query(ctx, f.surface, "text", "#inside", "", Retry{})
	require.NoError(t, err)
	assert.Equal(t, "Inside", res["value"])
	assert.Equal(t, "#same", f.page.LastArgs(opQuery)["frame"])

	f.engine.MainFrame(f.surface)
	assert.Equal(t, "", f.engine.frame(f.surface))
}

func TestWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.page.AddAfter(30*time.Millisecond, &testutil.FakeElement{ID: "ready", Tag: "div", Text: "Ready"})

	res, err := f.engine.Wait(ctx, f.surface, WaitRequest{Kind: WaitSelector, Value: "#ready"})
	require.NoError(t, err)
	assert.Equal(t, true, res["met"])
	assert.GreaterOrEqual(t, res["polls"], 1)

	res, err = f.engine.Wait(ctx, f.surface, WaitRequest{Kind: WaitLoadState, Value: "domcontentloaded"})
	require.NoError(t, err)
	assert.Equal(t, "interactive", res["value"])

	_, err = f.engine.Wait(ctx, f.surface, WaitRequest{Kind: WaitURLContains, Value: "/checkout", Timeout: 60 * time.Millisecond})
	pe := requireCode(t, err, model.ErrTimeout)
	assert.Equal(t, WaitURLContains, pe.Data.(map[string]any)["condition"])

	_, err = f.engine.Wait(ctx, f.surface, WaitRequest{})
	requireCode(t, err, model.ErrInvalidParams)
	_, err = f.engine.Wait(ctx, f.surface, WaitRequest{Kind: WaitLoadState, Value: "sleepy"})
	requireCode(t, err, model.ErrInvalidParams)
}

func TestWaitFunctionSyntaxErrorIsReportedVerbatim(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Wait(context.Background(), f.surface, WaitRequest{Kind: WaitFunction, Value: "() =>"})
	pe := requireCode(t, err, model.ErrJSError)
	assert.Contains(t, pe.Message, "SyntaxError")
	assert.Equal(t, 1, f.page.CountOp(opWait), "script errors are not retried")

	_, err = f.engine.Wait(context.Background(), f.surface, WaitRequest{Kind: WaitSelector, Value: "a=b", Timeout: 50 * time.Millisecond})
	requireCode(t, err, model.ErrInvalidParams)
}

func TestOnlySelectorErrorsMapToInvalidSelector(t *testing.T) {
	for _, op := range []string{opWait, opEval, opAction, opSnapshot} {
		script, err := buildScript(op, "", map[string]any{})
		require.NoError(t, err)
		assert.NotContains(t, script, "SyntaxError", op)
		assert.Contains(t, script, "e."+selectorFlag, op)
	}
}

func TestEvalErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Eval(ctx, f.surface, "document.title")
	require.NoError(t, err)
	assert.Equal(t, "Login", res["value"])

	_, err = f.engine.Eval(ctx, f.surface, "throw 'nope'")
	requireCode(t, err, model.ErrJSError)

	f.engine.cfg.ScriptTimeout = 20 * time.Millisecond
	f.view.SetEvalDelay(200 * time.Millisecond)
	_, err = f.engine.Eval(ctx, f.surface, "1")
	requireCode(t, err, model.ErrJSError)

	f.view.SetEvalDelay(0)
	f.view.Kill()
	_, err = f.engine.Eval(ctx, f.surface, "1")
	requireCode(t, err, model.ErrUnavailable)

	_, err = f.engine.Eval(ctx, uuid.New(), "1")
	requireCode(t, err, model.ErrUnavailable)
}

func TestCookiesAndStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.SetCookie(ctx, f.surface, webview.Cookie{Name: "sid", Value: "abc"})
	require.NoError(t, err)
	c := res["cookie"].(webview.Cookie)
	assert.Equal(t, "example.com", c.Domain)
	assert.Equal(t, "/", c.Path)

	_, err = f.engine.SetCookie(ctx, f.surface, webview.Cookie{Name: "theme", Value: "dark", Domain: "other.org"})
	require.NoError(t, err)
	res, err = f.engine.Cookies(ctx, f.surface, CookieFilter{Domain: ".example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, res["count"])

	res, err = f.engine.ClearCookies(ctx, f.surface, CookieFilter{Name: "theme"})
	require.NoError(t, err)
	assert.Equal(t, 1, res["cleared"])

	_, err = f.engine.StorageSet(ctx, f.surface, "session", "step", "2")
	require.NoError(t, err)
	res, err = f.engine.StorageGet(ctx, f.surface, "session", "step")
	require.NoError(t, err)
	assert.Equal(t, "2", res["value"])
	res, err = f.engine.StorageGet(ctx, f.surface, "session", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"step": "2"}, res["entries"])

	_, err = f.engine.StorageClear(ctx, f.surface, "session", "")
	require.NoError(t, err)
	assert.Empty(t, f.page.Storage("session"))

	_, err = f.engine.StorageGet(ctx, f.surface, "cookie", "")
	requireCode(t, err, model.ErrInvalidParams)
}

func TestSaveAndLoadState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "login.json")

	_, err := f.engine.SetCookie(ctx, f.surface, webview.Cookie{Name: "sid", Value: "abc", Session: true})
	require.NoError(t, err)
	_, err = f.engine.StorageSet(ctx, f.surface, "local", "token", "t-1")
	require.NoError(t, err)

	res, err := f.engine.SaveState(ctx, f.surface, path)
	require.NoError(t, err)
	assert.Equal(t, 1, res["cookie_count"])
	assert.Equal(t, 1, res["local_count"])

	other := uuid.New()
	view := f.host.Put(other, testutil.NewFakePage("about:blank", ""))
	res, err = f.engine.LoadState(ctx, other, path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/login", res["url"])

	cookies, err := view.Cookies(ctx)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "abc", cookies[0].Value)
	assert.True(t, cookies[0].Session)
	assert.Equal(t, map[string]string{"token": "t-1"}, view.Page().Storage("local"))

	_, err = f.engine.LoadState(ctx, other, filepath.Join(t.TempDir(), "missing.json"))
	requireCode(t, err, model.ErrNotFound)
}

func TestUnsupportedCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.engine.Unsupported(ctx, f.surface, "browser.network.route", "https://example.com/*")
	pe := requireCode(t, err, model.ErrNotSupported)
	assert.Equal(t, map[string]any{"method": "browser.network.route"}, pe.Data)

	err = f.engine.Unsupported(ctx, f.surface, "browser.viewport.set", "")
	requireCode(t, err, model.ErrNotSupported)

	err = f.engine.Unsupported(ctx, f.surface, "browser.network.unroute", "[")
	requireCode(t, err, model.ErrInvalidParams)

	log := f.engine.UnsupportedLog(f.surface)
	entries := log["entries"].([]UnsupportedCall)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://example.com/*", entries[0].Pattern)
	require.NotNil(t, entries[0].MatchesPage)
	assert.True(t, *entries[0].MatchesPage)

	err = f.engine.Unsupported(ctx, f.surface, "browser.fly", "")
	requireCode(t, err, model.ErrMethodNotFound)
	assert.Contains(t, UnsupportedMethods(), "browser.trace.start")
}

func TestRetryPolicyBounds(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.RetryPolicy(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Retries)

	zero, interval := 0, 250
	p, err = f.engine.RetryPolicy(&zero, &interval)
	require.NoError(t, err)
	assert.Equal(t, Retry{Retries: 0, Interval: 250 * time.Millisecond}, p)

	tooMany, negative := 51, -1
	_, err = f.engine.RetryPolicy(&tooMany, nil)
	requireCode(t, err, model.ErrInvalidParams)
	_, err = f.engine.RetryPolicy(nil, &negative)
	requireCode(t, err, model.ErrInvalidParams)
}

func TestOpenAttachesView(t *testing.T) {
	f := newFixture(t)
	surface := uuid.New()
	page := testutil.NewFakePage("https://example.com/docs", "Docs")
	f.host.Page(page)

	res, err := f.engine.Open(context.Background(), surface, "https://example.com/docs")
	require.NoError(t, err)
	assert.Equal(t, "Docs", res["title"])
	assert.True(t, f.engine.HasView(surface))
	assert.Equal(t, 1, page.CountOp(opHooks))

	require.NoError(t, f.engine.FocusView(context.Background(), surface))
	focused, err := f.engine.IsViewFocused(surface)
	require.NoError(t, err)
	assert.True(t, focused)
}
