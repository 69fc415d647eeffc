package kernelwire

import (
	"context"
	"io"
	"sync"
	"time"

	"pkt.systems/kernelx/core"
	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

// Router hands incoming messages to the request they answer, matched on
// parent_header.msg_id, and tracks the kernel execution state.
type Router struct {
	mu       sync.Mutex
	requests map[string]*Request
	state    string
	idle     chan struct{}
	log      pslog.Logger
}

// NewRouter constructs a Router. The kernel is assumed idle until a status
// message says otherwise.
func NewRouter(logger pslog.Logger) *Router {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	idle := make(chan struct{})
	close(idle)
	return &Router{
		requests: make(map[string]*Request),
		state:    schema.ExecutionStateIdle,
		idle:     idle,
		log:      logger,
	}
}

// Register creates the request handle for an outgoing message id.
func (r *Router) Register(msgID string) *Request {
	req := newRequest(msgID, r.forget)
	r.mu.Lock()
	r.requests[msgID] = req
	r.mu.Unlock()
	return req
}

// Dispatch routes msg. Messages for unknown or detached requests are dropped.
func (r *Router) Dispatch(msg schema.Message) {
	if msg.Type() == schema.MsgStatus {
		var content schema.StatusContent
		if err := msg.DecodeContent(&content); err == nil {
			r.setState(content.ExecutionState)
		}
	}
	parent := msg.ParentID()
	if parent == "" {
		return
	}
	r.mu.Lock()
	req := r.requests[parent]
	r.mu.Unlock()
	if req == nil {
		r.log.Trace("kernelwire message dropped", "msg_type", msg.Type(), "parent", parent)
		return
	}
	req.deliver(msg)
}

// FailAll ends every registered request with err.
func (r *Router) FailAll(err error) int {
	r.mu.Lock()
	requests := make([]*Request, 0, len(r.requests))
	for id, req := range r.requests {
		requests = append(requests, req)
		delete(r.requests, id)
	}
	r.mu.Unlock()
	for _, req := range requests {
		req.finish(err)
	}
	return len(requests)
}

// Pending reports how many requests are registered.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// State returns the last reported execution state.
func (r *Router) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// WaitForIdle blocks until the kernel reports idle.
func (r *Router) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return core.NewSessionError(core.ClassifySessionError(ctx.Err()), "wait for idle", ctx.Err())
	}
}

// SetState records an execution state reported outside a status message, such
// as "starting" while a kernel relaunches.
func (r *Router) SetState(state string) {
	r.setState(state)
}

func (r *Router) setState(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state == r.state {
		return
	}
	wasIdle := r.state == schema.ExecutionStateIdle
	r.state = state
	switch {
	case state == schema.ExecutionStateIdle && !wasIdle:
		close(r.idle)
	case state != schema.ExecutionStateIdle && wasIdle:
		r.idle = make(chan struct{})
	}
}

func (r *Router) forget(id string) {
	r.mu.Lock()
	delete(r.requests, id)
	r.mu.Unlock()
}

// Request is the handle for one execute_request. It ends once both the
// execute_reply and the idle status for it have arrived.
type Request struct {
	id       string
	mu       sync.Mutex
	queue    []schema.Message
	replied  bool
	idle     bool
	finished bool
	closed   bool
	err      error
	notify   chan struct{}
	onDone   func(string)
}

var _ core.Request = (*Request)(nil)

func newRequest(id string, onDone func(string)) *Request {
	return &Request{
		id:     id,
		notify: make(chan struct{}, 1),
		onDone: onDone,
	}
}

// ID returns the msg_id of the execute_request.
func (r *Request) ID() string {
	return r.id
}

// Next returns the next message for this request.
func (r *Request) Next(ctx context.Context) (schema.Message, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return schema.Message{}, schema.ErrRequestClosed
		}
		if len(r.queue) > 0 {
			msg := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return msg, nil
		}
		if r.finished {
			err := r.err
			r.mu.Unlock()
			if err != nil {
				return schema.Message{}, err
			}
			return schema.Message{}, io.EOF
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return schema.Message{}, ctx.Err()
		case <-r.notify:
		}
	}
}

// Close detaches the request. Later messages are dropped.
func (r *Request) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.queue = nil
	r.mu.Unlock()
	r.signal()
	r.onDone(r.id)
	return nil
}

func (r *Request) deliver(msg schema.Message) {
	r.mu.Lock()
	if r.closed || r.finished {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, msg)
	switch msg.Type() {
	case schema.MsgExecuteReply:
		r.replied = true
	case schema.MsgStatus:
		var content schema.StatusContent
		if err := msg.DecodeContent(&content); err == nil && content.ExecutionState == schema.ExecutionStateIdle {
			r.idle = true
		}
	}
	done := r.replied && r.idle
	if done {
		r.finished = true
	}
	r.mu.Unlock()
	r.signal()
	if done {
		r.onDone(r.id)
	}
}

func (r *Request) finish(err error) {
	r.mu.Lock()
	if r.finished || r.closed {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.err = err
	r.mu.Unlock()
	r.signal()
}

func (r *Request) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
