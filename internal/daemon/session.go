package daemon

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/api"
	"github.com/g960059/cmuxctl/internal/db"
	"github.com/g960059/cmuxctl/internal/dispatch"
	"github.com/g960059/cmuxctl/internal/model"
	"github.com/g960059/cmuxctl/internal/peer"
	"github.com/g960059/cmuxctl/internal/security"
	"github.com/g960059/cmuxctl/internal/wire"
)

const accessDeniedLine = "ERROR: Access denied: only processes started inside cmux can connect\n"

const (
	authRequiredV1 = "Authentication required. Send: auth <password>"
	authRequiredV2 = "Authentication required: call auth.login with the socket password first"
)

// session is the per-connection state. It is only touched by the
// connection's own worker goroutine.
type session struct {
	id            string
	cred          peer.Cred
	hasCred       bool
	authenticated bool
}

type sessionKey struct{}

func withSession(ctx context.Context, sess *session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

func sessionFrom(ctx context.Context) *session {
	sess, _ := ctx.Value(sessionKey{}).(*session)
	return sess
}

// serveConn reads requests until the peer hangs up. Requests on one
// connection run strictly in order.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	sess := &session{id: uuid.NewString()}
	if cred, err := peer.FromConn(conn); err == nil {
		sess.cred = cred
		sess.hasCred = true
	} else {
		s.logger.Debug("peer credentials unavailable", "conn_id", sess.id, "error", err)
	}
	if s.cfg.AccessMode == model.AccessCmuxOnly && (!sess.hasCred || !s.checker.Allow(sess.cred)) {
		s.logger.Warn("connection rejected", "conn_id", sess.id, "peer_pid", sess.cred.PID, "peer_uid", sess.cred.UID)
		s.write(conn, []byte(accessDeniedLine))
		return
	}

	s.logger.Debug("connection accepted", "conn_id", sess.id, "peer_pid", sess.cred.PID)
	s.openJournal(ctx, sess)
	defer s.closeJournal(sess)

	ctx = withSession(ctx, sess)
	reader := wire.NewReader(conn, s.cfg.MaxLineBytes)
	for {
		line, err := reader.ReadLine()
		if errors.Is(err, wire.ErrLineTooLarge) {
			s.logger.Debug("request line too large", "conn_id", sess.id, "limit", s.cfg.MaxLineBytes)
			out, _ := wire.EncodeResponse(api.Failure(nil, model.ErrInvalidRequest, "request line exceeds size limit", map[string]any{"max_line_bytes": s.cfg.MaxLineBytes}))
			if !s.write(conn, out) {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read request", "conn_id", sess.id, "error", err)
			}
			s.logger.Debug("connection closed", "conn_id", sess.id)
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !s.write(conn, s.handleLine(ctx, sess, line)) {
			return
		}
	}
}

func (s *Server) handleLine(ctx context.Context, sess *session, line []byte) []byte {
	if wire.IsV2(line) {
		return s.handleV2(ctx, sess, line)
	}
	cmd := wire.ParseCommand(string(line))
	if s.needsAuth(sess) && cmd.Name != "auth" {
		return wire.V1Error(authRequiredV1)
	}
	return s.registry.DispatchV1(ctx, cmd)
}

func (s *Server) handleV2(ctx context.Context, sess *session, line []byte) []byte {
	var resp api.Response
	req, err := wire.DecodeRequest(line)
	switch {
	case errors.Is(err, wire.ErrInvalidRequest):
		resp = api.Failure(req.ID, model.ErrInvalidRequest, err.Error(), nil)
	case err != nil:
		resp = api.Failure(req.ID, model.ErrParse, err.Error(), nil)
	case s.needsAuth(sess) && req.Method != "auth.login":
		resp = api.Failure(req.ID, model.ErrAuthRequired, authRequiredV2, nil)
	default:
		resp = s.registry.DispatchV2(ctx, req)
	}
	out, err := wire.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("encode response", "method", req.Method, "error", err)
		out, _ = wire.EncodeResponse(api.Failure(req.ID, model.ErrEncode, "failed to encode result: "+err.Error(), nil))
	}
	return out
}

func (s *Server) needsAuth(sess *session) bool {
	return s.cfg.AccessMode == model.AccessPassword && !sess.authenticated
}

func (s *Server) write(conn net.Conn, out []byte) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return false
	}
	if _, err := conn.Write(out); err != nil {
		s.logger.Debug("write response", "error", err)
		return false
	}
	return true
}

// login checks password against the configured socket password in constant
// time and marks the calling connection authenticated.
func (s *Server) login(ctx context.Context, password string) (bool, error) {
	if s.cfg.AccessMode != model.AccessPassword {
		return false, nil
	}
	if s.cfg.Password == "" {
		return true, model.Errorf(model.ErrAuthUnconfigured, "password mode is enabled but no socket password is configured")
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) != 1 {
		return true, model.Errorf(model.ErrAuthFailed, "Authentication failed: invalid password")
	}
	if sess := sessionFrom(ctx); sess != nil {
		sess.authenticated = true
		if s.store != nil {
			if err := s.store.MarkAuthenticated(context.WithoutCancel(ctx), sess.id); err != nil {
				s.logger.Debug("journal authentication", "conn_id", sess.id, "error", err)
			}
		}
	}
	return true, nil
}

func (s *Server) openJournal(ctx context.Context, sess *session) {
	if s.store == nil {
		return
	}
	c := db.Connection{ConnID: sess.id, AccessMode: string(s.cfg.AccessMode)}
	if sess.hasCred {
		pid, uid := int64(sess.cred.PID), int64(sess.cred.UID)
		if pid > 0 {
			c.PeerPID = &pid
		}
		c.PeerUID = &uid
	}
	if err := s.store.OpenConnection(ctx, c); err != nil {
		s.logger.Warn("journal connection", "conn_id", sess.id, "error", err)
	}
}

func (s *Server) closeJournal(sess *session) {
	if s.store == nil {
		return
	}
	if err := s.store.CloseConnection(context.Background(), sess.id, time.Now()); err != nil {
		s.logger.Debug("journal connection close", "conn_id", sess.id, "error", err)
	}
}

// record appends a completed request to the journal with secrets masked.
func (s *Server) record(ctx context.Context, ev dispatch.Event) {
	params := ev.Params
	if ev.Protocol == "v1" {
		params = security.RedactCommand(ev.Method + " " + params)
	} else {
		params = security.RedactParams(ev.Method, params)
	}
	s.logger.Debug("request", "protocol", ev.Protocol, "method", ev.Method, "code", ev.Code, "duration", ev.Duration, "params", params)
	if s.store == nil {
		return
	}
	entry := db.Entry{
		Protocol:  ev.Protocol,
		Method:    ev.Method,
		OK:        ev.Code == "",
		ErrorCode: ev.Code,
		Duration:  ev.Duration,
		Params:    params,
	}
	if sess := sessionFrom(ctx); sess != nil {
		entry.ConnID = sess.id
	}
	if err := s.store.Append(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("journal append", "method", ev.Method, "error", err)
	}
}
