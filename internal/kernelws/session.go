package kernelws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/kernelx/core"
	"pkt.systems/kernelx/internal/kernelwire"
	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

const (
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second

	// restartQuiet covers restarting statuses that arrive after the restart
	// call already returned.
	restartQuiet = 2 * time.Second
)

// Config points at a kernel running on a Jupyter server.
type Config struct {
	BaseURL   string
	Token     string
	KernelID  string
	SessionID string
	Username  string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Session implements core.KernelSession over the kernel channels websocket of
// a Jupyter server. Interrupt and restart go through the REST API.
type Session struct {
	cfg    Config
	base   *url.URL
	log    pslog.Logger
	http   *http.Client
	router *kernelwire.Router
	events *kernelwire.Broadcaster

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu           sync.Mutex
	closed       bool
	disconnected bool
	restarting   bool
	quietUntil   time.Time
	done         chan struct{}
}

var _ core.KernelSession = (*Session)(nil)

// Connect opens the channels websocket.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("kernel base url is required")
	}
	if strings.TrimSpace(cfg.KernelID) == "" {
		return nil, errors.New("kernel id is required")
	}
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse kernel base url: %w", err)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = kernelwire.NewSessionID()
	}
	if cfg.Username == "" {
		cfg.Username = "kernelx"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := pslog.Ctx(ctx).With("kernel_id", cfg.KernelID)
	s := &Session{
		cfg:    cfg,
		base:   base,
		log:    log,
		http:   client,
		router: kernelwire.NewRouter(log),
		events: kernelwire.NewBroadcaster(),
		done:   make(chan struct{}),
	}

	channels := s.channelsURL()
	conn, resp, err := dialer.DialContext(ctx, channels, s.authHeader())
	if err != nil {
		if resp != nil {
			log.Error("kernel channels dial failed", "url", channels, "status", resp.StatusCode, "err", err)
		} else {
			log.Error("kernel channels dial failed", "url", channels, "err", err)
		}
		return nil, core.NewSessionError(core.SessionErrorUnavailable, "connect", err)
	}
	s.conn = conn
	log.Info("kernel channels connected", "url", channels)
	go s.readPump()
	go s.pingPump()
	return s, nil
}

func parseBase(raw string) (*url.URL, error) {
	return url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
}

func (s *Session) channelsURL() string {
	u := *s.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/kernels/" + s.cfg.KernelID + "/channels"
	q := u.Query()
	q.Set("session_id", s.cfg.SessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Session) restURL(action string) string {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + "/api/kernels/" + s.cfg.KernelID + "/" + action
	return u.String()
}

func (s *Session) authHeader() http.Header {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "token "+s.cfg.Token)
	}
	return header
}

func (s *Session) readPump() {
	defer close(s.done)
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			s.lost(err)
			return
		}
		if kind != websocket.TextMessage {
			s.log.Debug("kernel binary frame ignored", "bytes", len(data))
			continue
		}
		msg, err := kernelwire.DecodeMessage(data)
		if err != nil {
			preview := kernelwire.PreviewText(string(data), 200)
			s.log.Warn("kernel message decode failed", "preview", preview, "truncated", len(preview) < len(data), "err", err)
			continue
		}
		s.log.Debug("kernel message", "msg_type", msg.Type(), "channel", msg.Channel, "parent", msg.ParentID())
		if msg.Type() == schema.MsgStatus {
			s.observeStatus(msg)
		}
		s.router.Dispatch(msg)
	}
}

// observeStatus turns server-driven kernel restarts and deaths into session
// events. A restart we asked for is not reported.
func (s *Session) observeStatus(msg schema.Message) {
	var content schema.StatusContent
	if err := msg.DecodeContent(&content); err != nil {
		return
	}
	switch content.ExecutionState {
	case schema.ExecutionStateRestarting:
		s.mu.Lock()
		requested := s.restarting || time.Now().Before(s.quietUntil)
		s.mu.Unlock()
		if requested {
			return
		}
		s.log.Warn("kernel restarted by server")
		s.events.Publish(core.SessionEvent{Type: core.SessionRestarted})
		s.router.FailAll(schema.ErrSessionUnavailable)
	case schema.ExecutionStateDead:
		s.log.Warn("kernel reported dead")
		s.disconnect()
	}
}

func (s *Session) lost(err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Info("kernel channels closed by server", "err", err)
	} else {
		s.log.Warn("kernel channels read failed", "err", err)
	}
	s.disconnect()
}

func (s *Session) disconnect() {
	s.mu.Lock()
	if s.disconnected || s.closed {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.mu.Unlock()
	failed := s.router.FailAll(&schema.KernelCrashedError{})
	s.events.Publish(core.SessionEvent{Type: core.SessionDisconnected})
	s.log.Warn("kernel disconnected", "failed_requests", failed)
}

func (s *Session) pingPump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) write(kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.conn.WriteMessage(kind, data)
}

func (s *Session) available(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.NewSessionError(core.SessionErrorUnavailable, op, schema.ErrSessionUnavailable)
	}
	if s.disconnected {
		return core.NewSessionError(core.SessionErrorUnavailable, op, &schema.KernelCrashedError{})
	}
	return nil
}

// RequestExecute sends an execute_request on the shell channel.
func (s *Session) RequestExecute(ctx context.Context, req core.ExecuteRequest) (core.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewSessionError(core.ClassifySessionError(err), "execute", err)
	}
	if err := s.available("execute"); err != nil {
		return nil, err
	}
	msg, err := kernelwire.NewExecuteRequest(s.cfg.SessionID, s.cfg.Username, req)
	if err != nil {
		return nil, core.NewSessionError(core.SessionErrorProtocol, "execute", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, core.NewSessionError(core.SessionErrorProtocol, "execute", err)
	}
	handle := s.router.Register(msg.Header.MsgID)
	if err := s.write(websocket.TextMessage, data); err != nil {
		_ = handle.Close()
		return nil, core.NewSessionError(core.SessionErrorTransport, "execute", err)
	}
	return handle, nil
}

// Interrupt asks the server to interrupt the kernel.
func (s *Session) Interrupt(ctx context.Context, timeout time.Duration) error {
	if err := s.available("interrupt"); err != nil {
		return err
	}
	if err := s.post(ctx, "interrupt", timeout); err != nil {
		return err
	}
	s.log.Info("kernel interrupt sent")
	return nil
}

// Restart asks the server to restart the kernel. The server answers once the
// new kernel is up.
func (s *Session) Restart(ctx context.Context, timeout time.Duration) error {
	if err := s.available("restart"); err != nil {
		return err
	}
	s.mu.Lock()
	s.restarting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.restarting = false
		s.quietUntil = time.Now().Add(restartQuiet)
		s.mu.Unlock()
	}()
	s.router.SetState(schema.ExecutionStateRestarting)
	if err := s.post(ctx, "restart", timeout); err != nil {
		return err
	}
	s.router.FailAll(schema.ErrSessionUnavailable)
	s.router.SetState(schema.ExecutionStateIdle)
	s.log.Info("kernel restarted")
	return nil
}

func (s *Session) post(ctx context.Context, action string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.restURL(action), nil)
	if err != nil {
		return core.NewSessionError(core.SessionErrorProtocol, action, err)
	}
	for key, values := range s.authHeader() {
		req.Header[key] = values
	}
	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return core.NewSessionError(core.ClassifySessionError(ctx.Err()), action, err)
		}
		return core.NewSessionError(core.SessionErrorTransport, action, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode/100 != 2 {
		return core.NewSessionError(core.SessionErrorTransport, action, fmt.Errorf("server answered %s", resp.Status))
	}
	return nil
}

// WaitForIdle blocks until the kernel reports idle.
func (s *Session) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	return s.router.WaitForIdle(ctx, timeout)
}

// Subscribe registers for lifecycle events.
func (s *Session) Subscribe() (<-chan core.SessionEvent, func()) {
	return s.events.Subscribe()
}

// ExitCode is never known for a remote kernel.
func (s *Session) ExitCode() (int, bool) {
	return 0, false
}

// Close closes the websocket. The remote kernel keeps running.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := s.conn.Close()
	<-s.done
	s.router.FailAll(schema.ErrSessionUnavailable)
	s.events.Close()
	return err
}
