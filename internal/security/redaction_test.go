package security_test

import (
	"strings"
	"testing"

	"github.com/g960059/cmuxctl/internal/security"
)

func TestRedactPayload(t *testing.T) {
	in := `token=abc123 access_token="quoted-token" password:supersecret password='quoted-pass' Authorization: Basic dXNlcjpwYXNz {"refresh_token":"jsonsecret","api_key":"jsonkey"}`
	out := security.RedactPayload(in)
	for _, leaked := range []string{"abc123", "quoted-token", "supersecret", "quoted-pass", "dXNlcjpwYXNz", "jsonsecret", "jsonkey"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("secret %q leaked after redaction: %q", leaked, out)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in output: %q", out)
	}
}

func TestRedactPayloadCookieHeaderFullyRedacted(t *testing.T) {
	in := "Cookie: foo=bar; sessionid=secret; csrftoken=token"
	out := security.RedactPayload(in)
	if strings.Contains(out, "foo=bar") || strings.Contains(out, "sessionid=secret") {
		t.Fatalf("cookie header value leaked after redaction: %q", out)
	}
}

func TestRedactParamsLoginPassword(t *testing.T) {
	out := security.RedactParams("auth.login", `{"password":"hunter2"}`)
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked: %q", out)
	}
}

func TestRedactParamsCookieValue(t *testing.T) {
	out := security.RedactParams("browser.cookies.set", `{"surface_id":"surface:1","name":"sid","value":"s3cr3t"}`)
	if strings.Contains(out, "s3cr3t") {
		t.Fatalf("cookie value leaked: %q", out)
	}
	if !strings.Contains(out, `"name":"sid"`) {
		t.Fatalf("cookie name should survive redaction: %q", out)
	}
}

func TestRedactParamsKeepsOrdinaryValues(t *testing.T) {
	in := `{"selector":"#go","value":"visible"}`
	if out := security.RedactParams("browser.wait", in); out != in {
		t.Fatalf("unexpected redaction for non-secret method: %q", out)
	}
}

func TestRedactParamsFilledText(t *testing.T) {
	out := security.RedactParams("browser.fill", `{"selector":"#pw","text":"letmein"}`)
	if strings.Contains(out, "letmein") {
		t.Fatalf("typed text leaked: %q", out)
	}
}

func TestRedactCommandMasksAuth(t *testing.T) {
	if got := security.RedactCommand("auth hunter2"); got != "auth [REDACTED]" {
		t.Fatalf("auth argument leaked: %q", got)
	}
	if got := security.RedactCommand("AUTH"); got != "AUTH" {
		t.Fatalf("bare auth changed: %q", got)
	}
	if got := security.RedactCommand("send_surface surface:1 ls"); got != "send_surface surface:1 ls" {
		t.Fatalf("ordinary command changed: %q", got)
	}
}
