package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/g960059/cmuxctl/internal/browser"
	"github.com/g960059/cmuxctl/internal/config"
	"github.com/g960059/cmuxctl/internal/daemon"
	"github.com/g960059/cmuxctl/internal/domain"
	"github.com/g960059/cmuxctl/internal/model"
	"github.com/g960059/cmuxctl/internal/testutil"
)

type daemonFixture struct {
	socket string
	host   *testutil.FakeHost
}

func startDaemon(t *testing.T, configure func(*config.Config)) daemonFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SocketPath = testutil.SocketPath(t)
	cfg.AccessMode = model.AccessAllowAll
	cfg.AcceptBackoff = time.Millisecond
	cfg.Browser.RetryInterval = 5 * time.Millisecond
	cfg.Browser.WaitTimeout = 300 * time.Millisecond
	cfg.Browser.WaitPollInterval = 5 * time.Millisecond
	if configure != nil {
		configure(&cfg)
	}
	host := testutil.NewFakeHost()
	srv := daemon.NewServer(cfg, daemon.Deps{
		Model:   domain.NewMemory(),
		Browser: browser.New(host, cfg.Browser, nil),
		Version: "test",
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("daemon error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("timeout waiting for daemon shutdown")
		}
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := os.Stat(cfg.SocketPath); err == nil && st.Mode()&os.ModeSocket != 0 {
			return daemonFixture{socket: cfg.SocketPath, host: host}
		}
		select {
		case err := <-errCh:
			t.Fatalf("daemon exited early: %v", err)
		default:
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", cfg.SocketPath)
	return daemonFixture{}
}

func run(t *testing.T, socket string, args ...string) (int, string, string) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	code := NewRunner(socket, out, errOut).Run(context.Background(), args)
	return code, out.String(), errOut.String()
}

func mustRun(t *testing.T, socket string, args ...string) string {
	t.Helper()
	code, out, errOut := run(t, socket, args...)
	if code != 0 {
		t.Fatalf("%v: expected exit 0, got %d stderr=%s", args, code, errOut)
	}
	return out
}

func TestPingAndCapabilities(t *testing.T) {
	d := startDaemon(t, nil)

	if out := mustRun(t, d.socket, "ping"); out != "PONG\n" {
		t.Fatalf("expected PONG, got %q", out)
	}
	out := mustRun(t, d.socket, "capabilities")
	if !strings.HasPrefix(out, "cmux-socket v2 (access allowAll)\n") {
		t.Fatalf("unexpected capabilities header: %q", out)
	}
	for _, m := range []string{"system.ping", "workspace.create", "browser.click"} {
		if !strings.Contains(out, m+"\n") {
			t.Fatalf("expected %s in capabilities, got: %s", m, out)
		}
	}
	if out := mustRun(t, d.socket, "--field", "version", "capabilities"); out != "2\n" {
		t.Fatalf("expected version 2, got %q", out)
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	d := startDaemon(t, nil)

	ref := strings.TrimSpace(mustRun(t, d.socket, "--field", "workspace_ref", "workspace", "create", "--title", "build"))
	if !strings.HasPrefix(ref, "workspace:") {
		t.Fatalf("expected workspace ref, got %q", ref)
	}
	list := mustRun(t, d.socket, "workspace", "list")
	if !strings.Contains(list, ref+"\tbuild\t1 panes") {
		t.Fatalf("expected %s in list, got: %s", ref, list)
	}

	if out := mustRun(t, d.socket, "workspace", "select", ref); out != "selected "+ref+"\n" {
		t.Fatalf("unexpected select output: %q", out)
	}
	list = mustRun(t, d.socket, "workspace", "list")
	if !strings.Contains(list, "* "+ref) {
		t.Fatalf("expected %s selected, got: %s", ref, list)
	}

	mustRun(t, d.socket, "workspace", "close", ref)
	if list := mustRun(t, d.socket, "workspace", "list"); strings.Contains(list, ref) {
		t.Fatalf("expected %s gone, got: %s", ref, list)
	}

	code, _, errOut := run(t, d.socket, "workspace", "select", ref)
	if code != 1 || !strings.Contains(errOut, "not_found") {
		t.Fatalf("expected not_found exit 1, got %d stderr=%s", code, errOut)
	}
}

func TestSurfaceSendAndV1ReadScreen(t *testing.T) {
	d := startDaemon(t, nil)

	out := mustRun(t, d.socket, "surface", "send", "echo hi")
	if !strings.HasPrefix(out, "sent 7 bytes to surface:") {
		t.Fatalf("unexpected send output: %q", out)
	}
	if screen := mustRun(t, d.socket, "v1", "read_screen"); !strings.Contains(screen, "echo hi") {
		t.Fatalf("expected screen to contain sent text, got %q", screen)
	}
	list := mustRun(t, d.socket, "surface", "list")
	if !strings.Contains(list, "terminal") {
		t.Fatalf("expected a terminal surface, got: %s", list)
	}
}

func TestCallPassesRawParams(t *testing.T) {
	d := startDaemon(t, nil)

	out := mustRun(t, d.socket, "call", "workspace.create", `{"title":"raw"}`)
	if !strings.Contains(out, `"title": "raw"`) {
		t.Fatalf("expected indented JSON result, got: %s", out)
	}

	code, _, errOut := run(t, d.socket, "call", "workspace.create", `[1,2]`)
	if code != 2 || !strings.Contains(errOut, "JSON object") {
		t.Fatalf("expected usage exit 2, got %d stderr=%s", code, errOut)
	}

	code, _, errOut = run(t, d.socket, "call", "no.such.method")
	if code != 1 || !strings.Contains(errOut, "method_not_found") {
		t.Fatalf("expected method_not_found exit 1, got %d stderr=%s", code, errOut)
	}
}

func TestUsageErrorsExitTwo(t *testing.T) {
	d := startDaemon(t, nil)

	for _, args := range [][]string{
		{"bogus"},
		{"workspace", "select"},
		{"browser", "wait"},
		{"ping", "--no-such-flag"},
	} {
		if code, _, _ := run(t, d.socket, args...); code != 2 {
			t.Fatalf("%v: expected exit 2, got %d", args, code)
		}
	}
}

func TestBrowserOpenClickFillAndEval(t *testing.T) {
	d := startDaemon(t, nil)
	page := testutil.NewFakePage("https://example.com/login", "Login")
	page.Add(&testutil.FakeElement{ID: "user", Tag: "input"})
	page.Add(&testutil.FakeElement{ID: "go", Tag: "button", Text: "Sign in"})
	page.SetEvalResult("document.title", "Login")
	d.host.Page(page)

	surface := strings.TrimSpace(mustRun(t, d.socket, "--field", "surface_ref", "browser", "open", "https://example.com/login"))
	if !strings.HasPrefix(surface, "surface:") {
		t.Fatalf("expected surface ref, got %q", surface)
	}

	if out := mustRun(t, d.socket, "browser", "fill", "#user", "alice", "--surface", surface); out != "OK\n" {
		t.Fatalf("unexpected fill output: %q", out)
	}
	if el, ok := page.Element("user"); !ok || el.Value != "alice" {
		t.Fatalf("expected input value alice, got %+v", el)
	}

	mustRun(t, d.socket, "browser", "click", "#go", "--surface", surface)
	if got := page.Events("go"); len(got) != 1 || got[0] != "click" {
		t.Fatalf("expected one click, got %v", got)
	}

	if out := mustRun(t, d.socket, "browser", "eval", "document.title", "--surface", surface); out != `"Login"`+"\n" {
		t.Fatalf("unexpected eval output: %q", out)
	}

	snap := mustRun(t, d.socket, "browser", "snapshot", "--surface", surface)
	if !strings.Contains(snap, "@e") {
		t.Fatalf("expected element refs in snapshot, got: %s", snap)
	}

	code, _, errOut := run(t, d.socket, "browser", "click", "#missing", "--surface", surface)
	if code != 1 || !strings.Contains(errOut, "not_found") {
		t.Fatalf("expected not_found exit 1, got %d stderr=%s", code, errOut)
	}
}

func TestPasswordFlagAuthenticates(t *testing.T) {
	d := startDaemon(t, func(cfg *config.Config) {
		cfg.AccessMode = model.AccessPassword
		cfg.Password = "hunter2"
	})
	t.Setenv("CMUX_SOCKET_PASSWORD", "")

	code, _, errOut := run(t, d.socket, "ping")
	if code != 1 || !strings.Contains(errOut, "auth_required") {
		t.Fatalf("expected auth_required exit 1, got %d stderr=%s", code, errOut)
	}
	if out := mustRun(t, d.socket, "--password", "hunter2", "ping"); out != "PONG\n" {
		t.Fatalf("expected PONG, got %q", out)
	}

	t.Setenv("CMUX_SOCKET_PASSWORD", "hunter2")
	mustRun(t, d.socket, "ping")
}
