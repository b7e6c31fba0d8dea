// Package appclient talks to a running cmuxctld over its Unix socket.
package appclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/g960059/cmuxctl/internal/api"
	"github.com/g960059/cmuxctl/internal/wire"
)

const (
	defaultUnaryTimeout = 10 * time.Second
	defaultDialTimeout  = 2 * time.Second
	readBufferSize      = 64 * 1024
)

var ErrClosed = errors.New("appclient: session closed")

type Client struct {
	socketPath   string
	password     string
	dialTimeout  time.Duration
	unaryTimeout time.Duration
}

func New(socketPath string) *Client {
	return &Client{
		socketPath:   socketPath,
		dialTimeout:  defaultDialTimeout,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

// WithPassword makes every new session send auth.login before its first call.
func (c *Client) WithPassword(password string) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.password = password
	return &clone
}

func (c *Client) SocketPath() string {
	return c.socketPath
}

// RequestError is a failed v2 response.
type RequestError struct {
	Method  string
	Code    string
	Message string
	Data    json.RawMessage
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return code
	case message != "":
		return message
	default:
		return "request failed"
	}
}

// IsCode reports whether err is a RequestError carrying code.
func IsCode(err error, code string) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Code == code
}

// Call runs one request on a fresh connection.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	sess, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close() //nolint:errcheck
	return sess.Call(ctx, method, params)
}

// CallInto runs Call and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// V1 sends a single v1 text command and returns the reply line. A reply
// starting with "ERROR:" is returned as an error.
func (c *Client) V1(ctx context.Context, command string) (string, error) {
	sess, err := c.Dial(ctx)
	if err != nil {
		return "", err
	}
	defer sess.Close() //nolint:errcheck
	return sess.V1(ctx, command)
}

func (c *Client) Ping(ctx context.Context) error {
	var res struct {
		Pong bool `json:"pong"`
	}
	if err := c.CallInto(ctx, "system.ping", nil, &res); err != nil {
		return err
	}
	if !res.Pong {
		return errors.New("ping: unexpected reply")
	}
	return nil
}

func (c *Client) Capabilities(ctx context.Context) (api.Capabilities, error) {
	var caps api.Capabilities
	err := c.CallInto(ctx, "system.capabilities", nil, &caps)
	return caps, err
}

// Session is one socket connection. Calls on a session are serialized; the
// daemon answers requests on a connection in order.
type Session struct {
	client *Client

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID int64
	closed bool
}

func (c *Client) Dial(ctx context.Context) (*Session, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.socketPath, err)
	}
	sess := &Session{
		client: c,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, readBufferSize),
	}
	if c.password != "" {
		if _, err := sess.Call(ctx, "auth.login", map[string]any{"password": c.password}); err != nil {
			conn.Close() //nolint:errcheck
			return nil, err
		}
	}
	return sess, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

type responseEnvelope struct {
	ID     json.RawMessage `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, errors.New("method is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.nextID++
	id := s.nextID

	req := map[string]any{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	reply, err := s.roundTrip(ctx, append(line, '\n'))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var env responseEnvelope
	if err := json.Unmarshal(reply, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if string(env.ID) != fmt.Sprint(id) {
		return nil, fmt.Errorf("%s: response id %s does not match request id %d", method, env.ID, id)
	}
	if !env.OK {
		reqErr := &RequestError{Method: method}
		if env.Error != nil {
			reqErr.Code = env.Error.Code
			reqErr.Message = env.Error.Message
			reqErr.Data = env.Error.Data
		}
		return nil, reqErr
	}
	if len(env.Result) == 0 {
		return json.RawMessage("{}"), nil
	}
	return env.Result, nil
}

func (s *Session) V1(ctx context.Context, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", errors.New("command is required")
	}
	if strings.ContainsAny(command, "\r\n") {
		return "", errors.New("command must be a single line")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	reply, err := s.roundTrip(ctx, []byte(command+"\n"))
	if err != nil {
		return "", err
	}
	text := wire.Unescape(string(reply))
	if msg, ok := strings.CutPrefix(text, "ERROR:"); ok {
		return "", &RequestError{Method: wire.ParseCommand(command).Name, Message: strings.TrimSpace(msg)}
	}
	return text, nil
}

// roundTrip must be called with s.mu held. Any I/O failure closes the
// session since the reply stream can no longer be matched to requests.
func (s *Session) roundTrip(ctx context.Context, line []byte) ([]byte, error) {
	deadline := time.Now().Add(s.client.unaryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := s.conn.Write(line); err != nil {
		return nil, s.wrapIOErr(ctx, "write", err)
	}
	reply, err := s.reader.ReadBytes('\n')
	if err != nil {
		return nil, s.wrapIOErr(ctx, "read", err)
	}
	return []byte(strings.TrimRight(string(reply), "\r\n")), nil
}

func (s *Session) wrapIOErr(ctx context.Context, op string, err error) error {
	s.closed = true
	_ = s.conn.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}
