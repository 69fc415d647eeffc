package core

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/kernelx/schema"
)

// fakeSession answers requests through handle. Requests that handle does not
// answer are queued on requests for the test to drive.
type fakeSession struct {
	mu           sync.Mutex
	handle       func(req *fakeRequest) bool
	requests     chan *fakeRequest
	codes        []string
	subs         []chan SessionEvent
	exitCode     int
	exited       bool
	interruptErr error
	onInterrupt  func()
	interrupts   int
	restarts     int
	closed       bool
}

func newFakeSession() *fakeSession {
	s := &fakeSession{requests: make(chan *fakeRequest, 16)}
	s.handle = defaultHandler
	return s
}

func (s *fakeSession) RequestExecute(_ context.Context, req ExecuteRequest) (Request, error) {
	r := newFakeRequest(req)
	s.mu.Lock()
	s.codes = append(s.codes, req.Code)
	handle := s.handle
	s.mu.Unlock()
	if handle != nil && handle(r) {
		return r, nil
	}
	s.requests <- r
	return r, nil
}

func (s *fakeSession) Restart(context.Context, time.Duration) error {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Interrupt(context.Context, time.Duration) error {
	s.mu.Lock()
	s.interrupts++
	err := s.interruptErr
	hook := s.onInterrupt
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (s *fakeSession) WaitForIdle(context.Context, time.Duration) error {
	return nil
}

func (s *fakeSession) Subscribe() (<-chan SessionEvent, func()) {
	ch := make(chan SessionEvent, 4)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub == ch {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

func (s *fakeSession) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exited
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) emit(event SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub <- event
	}
}

func (s *fakeSession) sentCodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.codes...)
}

func (s *fakeSession) nextRequest(t *testing.T) *fakeRequest {
	t.Helper()
	select {
	case r := <-s.requests:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for request")
		return nil
	}
}

type fakeRequest struct {
	req       ExecuteRequest
	msgs      chan schema.Message
	failed    chan error
	closed    chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func newFakeRequest(req ExecuteRequest) *fakeRequest {
	return &fakeRequest{
		req:    req,
		msgs:   make(chan schema.Message, 64),
		failed: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (r *fakeRequest) ID() string { return "req-" + r.req.Code }

func (r *fakeRequest) Next(ctx context.Context) (schema.Message, error) {
	select {
	case <-ctx.Done():
		return schema.Message{}, ctx.Err()
	case <-r.closed:
		return schema.Message{}, schema.ErrRequestClosed
	case err := <-r.failed:
		return schema.Message{}, err
	case msg, ok := <-r.msgs:
		if !ok {
			return schema.Message{}, io.EOF
		}
		return msg, nil
	}
}

func (r *fakeRequest) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeRequest) push(msg schema.Message) {
	r.msgs <- msg
}

// failWith ends the request with err, the way a session drops its requests.
func (r *fakeRequest) failWith(err error) {
	r.failed <- err
}

func (r *fakeRequest) end() {
	r.endOnce.Do(func() { close(r.msgs) })
}

// defaultHandler answers setup code with idle, print(x) with a stream, and
// leaves everything else to the test.
func defaultHandler(r *fakeRequest) bool {
	code := r.req.Code
	switch {
	case strings.Contains(code, "%matplotlib"), strings.HasPrefix(code, "%cd "), strings.Contains(code, "matplotlib."):
		r.push(mustMessage(schema.MsgStatus, schema.StatusContent{ExecutionState: schema.ExecutionStateIdle}))
		r.end()
		return true
	case strings.HasPrefix(code, "print(") && strings.HasSuffix(code, ")"):
		value := strings.TrimSuffix(strings.TrimPrefix(code, "print("), ")")
		r.push(streamMessage("stdout", value+"\n"))
		r.push(mustMessage(schema.MsgStatus, schema.StatusContent{ExecutionState: schema.ExecutionStateIdle}))
		r.end()
		return true
	}
	return false
}

func mustMessage(msgType schema.MessageType, content any) schema.Message {
	msg, err := schema.NewMessage(newID(), msgType, "session", "tester", schema.ChannelIOPub, content)
	if err != nil {
		panic(err)
	}
	return msg
}

func streamMessage(name, text string) schema.Message {
	return mustMessage(schema.MsgStream, map[string]any{"name": name, "text": text})
}

func idleMessage() schema.Message {
	return mustMessage(schema.MsgStatus, schema.StatusContent{ExecutionState: schema.ExecutionStateIdle})
}

func errorMessage(ename, evalue string) schema.Message {
	return mustMessage(schema.MsgError, schema.ErrorContent{EName: ename, EValue: evalue, Traceback: []string{ename + ": " + evalue}})
}

func plainResult(text string) schema.Message {
	return mustMessage(schema.MsgExecuteResult, schema.ExecuteResultContent{Data: schema.MimeBundle{schema.MimeTextPlain: text}, Metadata: map[string]any{}})
}

// collect drains a stream and returns every snapshot plus the terminal error.
func collect(t *testing.T, stream *CellStream) ([][]schema.Cell, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var snapshots [][]schema.Cell
	for {
		cells, err := stream.Next(ctx)
		if err == io.EOF {
			return snapshots, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				t.Fatalf("timed out draining stream")
			}
			return snapshots, err
		}
		snapshots = append(snapshots, cells)
	}
}

// nextSnapshot waits for one snapshot from stream.
func nextSnapshot(t *testing.T, stream *CellStream) []schema.Cell {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cells, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("next snapshot: %v", err)
	}
	return cells
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recordingSink struct {
	mu    sync.Mutex
	nexts []schema.Cell
	fails []error
	dones []schema.Cell
}

func (s *recordingSink) next(cell schema.Cell) {
	s.mu.Lock()
	s.nexts = append(s.nexts, cell)
	s.mu.Unlock()
}

func (s *recordingSink) fail(_ schema.CellID, err error) {
	s.mu.Lock()
	s.fails = append(s.fails, err)
	s.mu.Unlock()
}

func (s *recordingSink) done(cell schema.Cell) {
	s.mu.Lock()
	s.dones = append(s.dones, cell)
	s.mu.Unlock()
}

type recordingEvents struct {
	mu      sync.Mutex
	cells   []schema.CellEvent
	kernels []schema.KernelEvent
}

func (r *recordingEvents) OnCell(event schema.CellEvent) {
	r.mu.Lock()
	r.cells = append(r.cells, event)
	r.mu.Unlock()
}

func (r *recordingEvents) OnKernel(event schema.KernelEvent) {
	r.mu.Lock()
	r.kernels = append(r.kernels, event)
	r.mu.Unlock()
}

func (r *recordingEvents) kernelTypes() []schema.KernelEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.KernelEventType, 0, len(r.kernels))
	for _, event := range r.kernels {
		out = append(out, event.Type)
	}
	return out
}
