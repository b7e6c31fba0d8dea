package appclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/cmuxctl/internal/testutil"
)

// fakeDaemon answers each request line with reply(line). A nil reply leaves
// the request unanswered.
type fakeDaemon struct {
	path string

	mu    sync.Mutex
	lines []string
}

func serve(t *testing.T, reply func(line string) []byte) *fakeDaemon {
	t.Helper()
	fd := &fakeDaemon{path: testutil.SocketPath(t)}
	ln, err := net.Listen("unix", fd.path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					line := sc.Text()
					fd.mu.Lock()
					fd.lines = append(fd.lines, line)
					fd.mu.Unlock()
					out := reply(line)
					if out == nil {
						continue
					}
					if _, err := conn.Write(out); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return fd
}

func (fd *fakeDaemon) received() []string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]string(nil), fd.lines...)
}

func decode(t *testing.T, line string) map[string]any {
	t.Helper()
	var req map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &req))
	return req
}

func respond(id any, ok bool, body string) []byte {
	idJSON, _ := json.Marshal(id)
	if ok {
		return []byte(`{"id":` + string(idJSON) + `,"ok":true,"result":` + body + "}\n")
	}
	return []byte(`{"id":` + string(idJSON) + `,"ok":false,"error":` + body + "}\n")
}

func TestCallReturnsResult(t *testing.T) {
	fd := serve(t, func(line string) []byte {
		req := decode(t, line)
		if req["method"] != "workspace.create" {
			return respond(req["id"], false, `{"code":"method_not_found","message":"nope"}`)
		}
		params := req["params"].(map[string]any)
		return respond(req["id"], true, `{"workspace_ref":"workspace:2","title":"`+params["title"].(string)+`"}`)
	})

	var res struct {
		Ref   string `json:"workspace_ref"`
		Title string `json:"title"`
	}
	err := New(fd.path).CallInto(context.Background(), "workspace.create", map[string]any{"title": "build"}, &res)
	require.NoError(t, err)
	assert.Equal(t, "workspace:2", res.Ref)
	assert.Equal(t, "build", res.Title)
}

func TestCallSurfacesRequestError(t *testing.T) {
	fd := serve(t, func(line string) []byte {
		req := decode(t, line)
		return respond(req["id"], false, `{"code":"not_found","message":"Element not found","data":{"match_count":0}}`)
	})

	_, err := New(fd.path).Call(context.Background(), "browser.click", map[string]any{"selector": "#missing"})
	require.Error(t, err)
	assert.True(t, IsCode(err, "not_found"))

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "browser.click", reqErr.Method)
	assert.JSONEq(t, `{"match_count":0}`, string(reqErr.Data))
	assert.Equal(t, "not_found: Element not found", err.Error())
}

func TestSessionNumbersRequestsAndChecksIDs(t *testing.T) {
	fd := serve(t, func(line string) []byte {
		req := decode(t, line)
		return respond(req["id"], true, `{"pong":true}`)
	})

	sess, err := New(fd.path).Dial(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	for i := 0; i < 3; i++ {
		_, err := sess.Call(context.Background(), "system.ping", nil)
		require.NoError(t, err)
	}
	lines := fd.received()
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.EqualValues(t, i+1, decode(t, line)["id"])
		_, hasParams := decode(t, line)["params"]
		assert.False(t, hasParams)
	}
}

func TestMismatchedResponseIDIsAnError(t *testing.T) {
	fd := serve(t, func(string) []byte {
		return respond(99, true, `{}`)
	})
	_, err := New(fd.path).Call(context.Background(), "system.ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestPasswordLogsInFirst(t *testing.T) {
	fd := serve(t, func(line string) []byte {
		req := decode(t, line)
		if req["method"] == "auth.login" {
			if req["params"].(map[string]any)["password"] != "s3cret" {
				return respond(req["id"], false, `{"code":"auth_failed","message":"Invalid password"}`)
			}
			return respond(req["id"], true, `{"authenticated":true}`)
		}
		return respond(req["id"], true, `{"pong":true}`)
	})

	require.NoError(t, New(fd.path).WithPassword("s3cret").Ping(context.Background()))
	lines := fd.received()
	require.Len(t, lines, 2)
	assert.Equal(t, "auth.login", decode(t, lines[0])["method"])
	assert.Equal(t, "system.ping", decode(t, lines[1])["method"])

	err := New(fd.path).WithPassword("wrong").Ping(context.Background())
	assert.True(t, IsCode(err, "auth_failed"))
}

func TestV1RepliesAndErrors(t *testing.T) {
	fd := serve(t, func(line string) []byte {
		switch {
		case line == "ping":
			return []byte("PONG\n")
		case strings.HasPrefix(line, "read_screen"):
			return []byte(`$ ls\nREADME.md` + "\n")
		default:
			return []byte("ERROR: Unknown command '" + strings.Fields(line)[0] + "'\n")
		}
	})
	client := New(fd.path)

	out, err := client.V1(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "PONG", out)

	out, err = client.V1(context.Background(), "read_screen")
	require.NoError(t, err)
	assert.Equal(t, "$ ls\nREADME.md", out)

	_, err = client.V1(context.Background(), "bogus 1")
	require.Error(t, err)
	assert.Equal(t, "Unknown command 'bogus'", err.Error())

	_, err = client.V1(context.Background(), "send a\nb")
	require.Error(t, err)
}

func TestUnansweredCallTimesOutAndClosesSession(t *testing.T) {
	fd := serve(t, func(string) []byte { return nil })

	sess, err := New(fd.path).WithUnaryTimeout(50 * time.Millisecond).Dial(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Call(context.Background(), "system.ping", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = sess.Call(context.Background(), "system.ping", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCancelledContextInterruptsRead(t *testing.T) {
	fd := serve(t, func(string) []byte { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := New(fd.path).Call(ctx, "system.ping", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDialFailsWithoutDaemon(t *testing.T) {
	_, err := New(testutil.SocketPath(t)).Call(context.Background(), "system.ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect")
}

func TestCapabilitiesDecodes(t *testing.T) {
	fd := serve(t, func(line string) []byte {
		req := decode(t, line)
		return respond(req["id"], true, `{"protocol":"cmux-socket","version":2,"access_mode":"allowAll","methods":["system.ping","browser.click"],"v1_commands":["ping"]}`)
	})
	caps, err := New(fd.path).Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cmux-socket", caps.Protocol)
	assert.Equal(t, 2, caps.Version)
	assert.Equal(t, []string{"system.ping", "browser.click"}, caps.Methods)
	assert.Equal(t, []string{"ping"}, caps.V1Commands)
}
