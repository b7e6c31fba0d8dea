// Package security scrubs credentials and cookie material from request
// payloads before they are logged or journaled.
package security

import (
	"regexp"
	"strings"
)

const marker = "[REDACTED]"

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern   = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	jsonValuePattern  = regexp.MustCompile(`("value"\s*:\s*)(?:"(?:[^"\\]|\\.)*"|-?[0-9][0-9.eE+-]*|true|false)`)
	jsonTextPattern   = regexp.MustCompile(`("text"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	jsonEntryPattern  = regexp.MustCompile(`("entries"\s*:\s*)\{[^{}]*\}`)
	authorizationExpr = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerExpr        = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	cookieHeaderExpr  = regexp.MustCompile(`(?i)(cookie\s*:\s*)[^\r\n]+`)
)

// valueMethods carry a "value" param that is page data the caller may not
// want persisted: cookie values and web storage entries.
var valueMethods = map[string]bool{
	"browser.cookies.set": true,
	"browser.storage.set": true,
	"browser.fill":        true,
	"browser.type":        true,
}

// RedactPayload masks secret-looking key/value pairs, auth headers and
// bearer tokens in free text or JSON.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"`+marker+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return marker
		}
		return match[:idx+1] + " " + marker
	})
	out = authorizationExpr.ReplaceAllString(out, `${1}`+marker)
	out = bearerExpr.ReplaceAllString(out, "Bearer "+marker)
	out = cookieHeaderExpr.ReplaceAllString(out, `${1}`+marker)
	return out
}

// RedactParams scrubs the JSON params of a v2 request. Text typed into the
// page and cookie/storage values are masked for the methods that carry them.
func RedactParams(method, params string) string {
	out := RedactPayload(strings.TrimSpace(params))
	if valueMethods[method] {
		out = jsonValuePattern.ReplaceAllString(out, `${1}"`+marker+`"`)
		out = jsonTextPattern.ReplaceAllString(out, `${1}"`+marker+`"`)
	}
	if method == "browser.state.load" || method == "browser.storage.set" {
		out = jsonEntryPattern.ReplaceAllString(out, `${1}"`+marker+`"`)
	}
	return out
}

// RedactCommand scrubs a v1 command line. The argument of auth is always
// masked.
func RedactCommand(line string) string {
	trimmed := strings.TrimSpace(line)
	name, _, hasArgs := strings.Cut(trimmed, " ")
	if strings.EqualFold(name, "auth") {
		if !hasArgs {
			return name
		}
		return name + " " + marker
	}
	return RedactPayload(trimmed)
}
