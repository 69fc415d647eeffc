package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"pkt.systems/kernelx/internal/logx"
	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

// ExecuteParams describes one submission.
type ExecuteParams struct {
	Code   string
	File   string
	Line   int
	ID     schema.CellID
	Silent bool
}

const defaultRestartGrace = 2 * time.Second

// Executor runs notebook cells against one kernel session and tracks every
// pending execution until it settles.
type Executor struct {
	cfg     schema.ExecutorConfig
	session KernelSession
	matcher *cellMatcher
	pending *pendingRegistry
	sink    EventSink
	loggers []ExecutionLogger
	logger  pslog.Logger

	// restartGrace bounds how long a request that lost its session waits
	// for the matching restart event before the cell fails.
	restartGrace time.Duration

	mu          sync.Mutex
	epoch       time.Time
	lastStamp   time.Time
	disposed    bool
	initialized bool
	restarted   chan struct{}

	initMu      sync.Mutex
	unsubscribe func()
	watchDone   chan struct{}
}

// NewExecutor constructs an executor bound to session. The session epoch
// starts now.
func NewExecutor(session KernelSession, cfg schema.ExecutorConfig, deps ExecutorDeps) (*Executor, error) {
	if session == nil {
		return nil, schema.ErrDisposed
	}
	normalized, err := schema.NormalizeExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	e := &Executor{
		cfg:       normalized,
		session:   session,
		matcher:   newCellMatcher(normalized.CellMarker, normalized.MarkdownMarker),
		pending:   newPendingRegistry(),
		sink:      deps.EventSink,
		loggers:   append([]ExecutionLogger(nil), deps.Loggers...),
		logger:    logger.With("notebook", normalized.NotebookID),
		restarted: make(chan struct{}),
		watchDone: make(chan struct{}),

		restartGrace: defaultRestartGrace,
	}
	e.epoch = e.stamp()
	events, unsubscribe := session.Subscribe()
	e.unsubscribe = unsubscribe
	go e.watchSession(events)
	return e, nil
}

// Config returns the normalized executor configuration.
func (e *Executor) Config() schema.ExecutorConfig {
	return e.cfg
}

// Pending reports how many executions have not settled yet.
func (e *Executor) Pending() int {
	return e.pending.len()
}

// Execute runs code and returns the final cells once all of them settled.
// Canceling ctx cancels the cells; they are returned in CellError state
// together with a CanceledError.
func (e *Executor) Execute(ctx context.Context, params ExecuteParams) ([]schema.Cell, error) {
	stream, err := e.ExecuteStream(ctx, params)
	if err != nil {
		return nil, err
	}
	drain := context.WithoutCancel(ctx)
	var cells []schema.Cell
	for {
		next, err := stream.Next(drain)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return cells, err
		}
		cells = next
	}
	if ctxErr := ctx.Err(); ctxErr != nil && anyState(cells, schema.CellError) {
		return cells, &schema.CanceledError{CellID: params.ID, Reason: ctxErr.Error()}
	}
	return cells, nil
}

// ExecuteStream submits code and returns a stream of combined snapshots. The
// stream ends after the last cell settles. Canceling ctx cancels the cells.
func (e *Executor) ExecuteStream(ctx context.Context, params ExecuteParams) (*CellStream, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if err := e.checkDisposed(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Code) == "" {
		return nil, schema.ErrEmptyCode
	}
	if params.ID == "" {
		params.ID = schema.CellID(newID())
	}
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	log := logx.WithNotebookCell(ctx, e.cfg.NotebookID, params.ID)
	cells := e.matcher.generateCells(params.Code, params.File, params.Line, params.ID)
	stream := newCellStream(cells)
	trim := tailTrimmer(e.cfg.OutputLimit)
	if params.Silent {
		trim = noTrim
	}
	log.Debug("executor submit", "file", params.File, "line", params.Line, "cells", len(cells), "silent", params.Silent)
	for _, cell := range cells {
		if cell.Type == schema.CellTypeMarkdown {
			e.publishCell(cell, params.Silent)
			stream.done(cell)
			continue
		}
		e.submit(ctx, cell, params.Silent, stream, trim)
	}
	go func() {
		select {
		case <-ctx.Done():
			log.Debug("executor submission canceled", "err", ctx.Err())
			stream.Cancel()
		case <-stream.Done():
		}
	}()
	return stream, nil
}

// executeSilently runs code without trimming, history, or bus events.
func (e *Executor) executeSilently(ctx context.Context, code string) ([]schema.Cell, error) {
	if err := e.checkDisposed(); err != nil {
		return nil, err
	}
	cell := newCodeCell(code, "", 0, schema.CellID(newID()))
	stream := newCellStream([]schema.Cell{cell})
	e.submit(ctx, cell, true, stream, noTrim)
	var cells []schema.Cell
	for {
		next, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return cells, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				stream.Cancel()
			}
			return cells, err
		}
		cells = next
	}
}

// submit registers a tracker for cell and starts its request.
func (e *Executor) submit(ctx context.Context, cell schema.Cell, silent bool, stream *CellStream, trim trimFunc) {
	runCtx, cancel := detachRunContext(ctx)
	onSettle := func(t *cellTracker) {
		e.pending.remove(t)
		e.postExecute(runCtx, t.Snapshot(), silent)
		cancel()
	}
	tracker := newCellTracker(cell, e.stamp(), silent, &publishingSink{inner: stream, executor: e, silent: silent}, onSettle)
	stream.attach(tracker)
	e.pending.add(tracker)
	e.preExecute(runCtx, tracker.Snapshot(), silent)
	go e.runRequest(runCtx, tracker, trim)
}

// runRequest sends the tracked cell to the kernel and feeds every reply
// message through the reducer until the request ends or the tracker settles.
func (e *Executor) runRequest(ctx context.Context, t *cellTracker, trim trimFunc) {
	log := logx.WithNotebookCell(ctx, e.cfg.NotebookID, t.ID())
	started := time.Now()
	epoch := e.currentEpoch()
	if !t.isValid(epoch) {
		log.Info("executor cell stale, not sending")
		t.interrupt()
		return
	}
	if code, ok := e.session.ExitCode(); ok {
		err := &schema.KernelCrashedError{ExitCode: code, Known: true}
		log.Warn("executor kernel already exited", "exit_code", code)
		t.fail(epoch, err)
		return
	}
	t.setState(schema.CellExecuting)
	t.advance(epoch)

	snapshot := t.Snapshot()
	req, err := e.session.RequestExecute(ctx, ExecuteRequest{
		Code:         e.matcher.stripFirstMarker(snapshot.Source),
		Silent:       t.silent,
		StoreHistory: !t.silent,
	})
	if err != nil {
		log.Warn("executor request failed", "err", err)
		t.fail(e.currentEpoch(), fmt.Errorf("execute request: %w", err))
		return
	}
	defer func() {
		_ = req.Close()
	}()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-t.Canceled():
			_ = req.Close()
		case <-stop:
		}
	}()

	messages := 0
	for {
		msg, err := req.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.finish(e.currentEpoch())
				log.Info("executor cell finished", "messages", messages, "duration_ms", time.Since(started).Milliseconds())
				return
			}
			if isClosed(t.Canceled()) || isClosed(t.Done()) {
				log.Debug("executor request detached", "err", err)
				return
			}
			if errors.Is(err, schema.ErrSessionUnavailable) && e.awaitRestart(ctx, t) {
				log.Info("executor request ended by kernel restart")
				return
			}
			log.Warn("executor request stream error", "err", err)
			t.fail(e.currentEpoch(), err)
			return
		}
		messages++
		log.Trace("executor message", "msg_type", msg.Type())
		res, applied, err := t.update(e.currentEpoch(), func(cell *schema.Cell, outputs *outputState) (reduction, error) {
			return reduceMessage(cell, outputs, msg, trim)
		})
		if err != nil {
			log.Warn("executor message decode failed", "msg_type", msg.Type(), "err", err)
			continue
		}
		if res.Unknown {
			log.Warn("executor unknown message ignored", "msg_type", msg.Type())
		}
		if applied && res.Errored && e.cfg.StopOnError {
			if n := e.pending.cancelExcept(t); n > 0 {
				log.Info("executor stop on error", "canceled", n)
			}
		}
		if isClosed(t.Done()) {
			log.Info("executor cell settled", "messages", messages, "duration_ms", time.Since(started).Milliseconds())
			return
		}
	}
}

// awaitRestart reports whether t was canceled or settled within the restart
// grace period. A session drops its requests before the restart event
// reaches the executor.
func (e *Executor) awaitRestart(ctx context.Context, t *cellTracker) bool {
	timer := time.NewTimer(e.restartGrace)
	defer timer.Stop()
	select {
	case <-t.Canceled():
		return true
	case <-t.Done():
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Interrupt asks the kernel to interrupt and waits up to timeout for the
// oldest pending cell to finish.
func (e *Executor) Interrupt(ctx context.Context, timeout time.Duration) (schema.InterruptResult, error) {
	if err := e.checkDisposed(); err != nil {
		return schema.InterruptTimedOut, err
	}
	if timeout <= 0 {
		timeout = e.cfg.InterruptTimeout
	}
	log := logx.WithNotebook(ctx, e.cfg.NotebookID)
	begin := e.stamp()
	restarted := e.restartSignal()
	oldest, hasPending := e.pending.oldest()
	log.Info("executor interrupt start", "pending", e.pending.len(), "timeout_ms", timeout.Milliseconds())

	failed := make(chan struct{})
	go func() {
		if err := e.session.Interrupt(ctx, timeout); err != nil {
			kind := ClassifySessionError(err)
			log.Warn("executor interrupt request failed", "kind", kind, "err", err)
			close(failed)
		}
	}()

	var finished <-chan struct{}
	if hasPending {
		finished = oldest.Done()
	} else {
		done := make(chan struct{})
		close(done)
		finished = done
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	result := schema.InterruptTimedOut
	select {
	case <-restarted:
		result = schema.InterruptRestarted
	case <-failed:
		result = schema.InterruptRestarted
	case <-finished:
		if isClosed(restarted) || e.currentEpoch().After(begin) {
			result = schema.InterruptRestarted
			break
		}
		if n := e.pending.cancelAll(); n > 0 {
			log.Info("executor interrupt canceled remaining cells", "canceled", n)
		}
		result = schema.InterruptSuccess
	case <-timer.C:
		result = schema.InterruptTimedOut
	case <-ctx.Done():
		if e.currentEpoch().After(begin) {
			result = schema.InterruptRestarted
			break
		}
		return schema.InterruptTimedOut, ctx.Err()
	}
	log.Info("executor interrupt done", "result", result.String())
	e.publishKernel(schema.KernelEvent{Type: schema.KernelEventInterrupted, Interrupt: result, Pending: e.pending.len()})
	return result, nil
}

// Restart invalidates every pending cell, restarts the kernel, and runs
// initialization again.
func (e *Executor) Restart(ctx context.Context, timeout time.Duration) error {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = e.cfg.RestartTimeout
	}
	log := logx.WithNotebook(ctx, e.cfg.NotebookID)
	epoch := e.bumpEpoch()
	canceled := e.pending.cancelAll()
	log.Info("executor restart start", "epoch", epoch.UnixNano(), "canceled", canceled)
	e.publishKernel(schema.KernelEvent{Type: schema.KernelEventRestarted, Pending: canceled})
	if err := e.session.Restart(ctx, timeout); err != nil {
		log.Warn("executor restart failed", "err", err)
		return fmt.Errorf("restart kernel: %w", err)
	}
	if err := e.Initialize(ctx); err != nil {
		return err
	}
	log.Info("executor restart done")
	return nil
}

// WaitForIdle waits for the kernel to report idle.
func (e *Executor) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = e.cfg.IdleTimeout
	}
	return e.session.WaitForIdle(ctx, timeout)
}

// Initialize runs the one-time kernel setup: working directory, inline
// plotting, and startup commands. Failures are logged and do not stop the
// remaining steps.
func (e *Executor) Initialize(ctx context.Context) error {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if e.isInitialized() {
		return nil
	}
	log := logx.WithNotebook(ctx, e.cfg.NotebookID)
	epoch := e.currentEpoch()
	log.Debug("executor initialize start")
	if dir := e.cfg.WorkingDir; dir != "" && e.cfg.LocalLaunch && dirExists(dir) {
		if err := e.changeDirectory(ctx, dir); err != nil {
			log.Warn("executor initialize cd failed", "dir", dir, "err", err)
		}
	}
	if _, err := e.executeSilently(ctx, plottingSetupCode(e.cfg.EnablePlotViewer)); err != nil {
		log.Warn("executor initialize plotting failed", "err", err)
	}
	if cmds := e.cfg.StartupCommands; strings.TrimSpace(cmds) != "" {
		if _, err := e.executeSilently(ctx, cmds); err != nil {
			log.Warn("executor initialize startup commands failed", "err", err)
		}
	}
	e.mu.Lock()
	if e.epoch.Equal(epoch) {
		e.initialized = true
	}
	e.mu.Unlock()
	log.Info("executor initialized")
	return nil
}

// SetInitialDirectory changes the kernel directory when no working directory
// was configured.
func (e *Executor) SetInitialDirectory(ctx context.Context, dir string) error {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	if e.cfg.WorkingDir != "" || strings.TrimSpace(dir) == "" {
		return nil
	}
	if e.cfg.LocalLaunch && !dirExists(dir) {
		return fmt.Errorf("initial directory %q does not exist", dir)
	}
	if err := e.changeDirectory(ctx, dir); err != nil {
		return err
	}
	e.initMu.Lock()
	e.cfg.WorkingDir = dir
	e.initMu.Unlock()
	return nil
}

// SetMatplotlibStyle switches figures between the dark style and the defaults
// captured during initialization.
func (e *Executor) SetMatplotlibStyle(ctx context.Context, dark bool) error {
	code := "matplotlib.rcParams.update(" + matplotlibDefaultsVar + ")"
	if dark {
		code = "matplotlib.style.use('dark_background')"
	}
	_, err := e.executeSilently(ctx, code)
	return err
}

// Dispose cancels every pending cell and closes the session. Later calls
// fail with ErrDisposed.
func (e *Executor) Dispose(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.mu.Unlock()
	log := logx.WithNotebook(ctx, e.cfg.NotebookID)
	canceled := e.pending.cancelAll()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	<-e.watchDone
	err := e.session.Close()
	log.Info("executor disposed", "canceled", canceled)
	e.publishKernel(schema.KernelEvent{Type: schema.KernelEventDisposed, Pending: canceled})
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// watchSession reacts to restarts the executor did not ask for and to kernel
// crashes.
func (e *Executor) watchSession(events <-chan SessionEvent) {
	defer close(e.watchDone)
	for event := range events {
		if e.isDisposed() {
			continue
		}
		switch event.Type {
		case SessionRestarted:
			epoch := e.bumpEpoch()
			canceled := e.pending.cancelAll()
			e.logger.Warn("executor kernel restarted", "epoch", epoch.UnixNano(), "canceled", canceled)
			e.publishKernel(schema.KernelEvent{Type: schema.KernelEventRestarted, Pending: canceled})
		case SessionDisconnected:
			err := &schema.KernelCrashedError{ExitCode: event.ExitCode, Known: event.HasExitCode}
			failed := e.pending.failAll(func(t *cellTracker) {
				t.fail(e.currentEpoch(), err)
			})
			e.logger.Error("executor kernel crashed", "exit_code", event.ExitCode, "failed", failed)
			e.publishKernel(schema.KernelEvent{Type: schema.KernelEventCrashed, ExitCode: event.ExitCode, Pending: failed})
		}
	}
}

func (e *Executor) ensureInitialized(ctx context.Context) error {
	if e.isInitialized() {
		return nil
	}
	return e.Initialize(ctx)
}

func (e *Executor) changeDirectory(ctx context.Context, dir string) error {
	_, err := e.executeSilently(ctx, changeDirectoryCode(dir))
	return err
}

// stamp returns a strictly increasing timestamp so an epoch never ties with a
// tracker start time.
func (e *Executor) stamp() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stampLocked()
}

func (e *Executor) stampLocked() time.Time {
	now := time.Now()
	if !now.After(e.lastStamp) {
		now = e.lastStamp.Add(time.Nanosecond)
	}
	e.lastStamp = now
	return now
}

// bumpEpoch starts a new session epoch, re-arms initialization, and fires the
// restart signal.
func (e *Executor) bumpEpoch() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch = e.stampLocked()
	e.initialized = false
	close(e.restarted)
	e.restarted = make(chan struct{})
	return e.epoch
}

func (e *Executor) currentEpoch() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

func (e *Executor) restartSignal() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarted
}

func (e *Executor) isInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

func (e *Executor) isDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

func (e *Executor) checkDisposed() error {
	if e == nil || e.isDisposed() {
		return schema.ErrDisposed
	}
	return nil
}

func (e *Executor) preExecute(ctx context.Context, cell schema.Cell, silent bool) {
	for _, logger := range e.loggers {
		if err := logger.PreExecute(ctx, cell, silent); err != nil {
			logx.WithNotebookCell(ctx, e.cfg.NotebookID, cell.ID).Warn("executor pre-execute logger failed", "err", err)
		}
	}
}

func (e *Executor) postExecute(ctx context.Context, cell schema.Cell, silent bool) {
	for _, logger := range e.loggers {
		if err := logger.PostExecute(ctx, cell, silent); err != nil {
			logx.WithNotebookCell(ctx, e.cfg.NotebookID, cell.ID).Warn("executor post-execute logger failed", "err", err)
		}
	}
}

func (e *Executor) publishCell(cell schema.Cell, silent bool) {
	if e.sink == nil || silent {
		return
	}
	e.sink.OnCell(schema.CellEvent{NotebookID: e.cfg.NotebookID, Cell: cell})
}

func (e *Executor) publishKernel(event schema.KernelEvent) {
	if e.sink == nil {
		return
	}
	event.NotebookID = e.cfg.NotebookID
	if event.At.IsZero() {
		event.At = time.Now()
	}
	e.sink.OnKernel(event)
}

// publishingSink forwards snapshots to the submission stream and the event
// sink.
type publishingSink struct {
	inner    cellSink
	executor *Executor
	silent   bool
}

func (s *publishingSink) next(cell schema.Cell) {
	s.inner.next(cell)
	s.executor.publishCell(cell, s.silent)
}

func (s *publishingSink) fail(id schema.CellID, err error) {
	s.inner.fail(id, err)
}

func (s *publishingSink) done(cell schema.Cell) {
	s.inner.done(cell)
}

func detachRunContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.Background()
	if ctx != nil {
		if logger := pslog.Ctx(ctx); logger != nil {
			base = logx.CopyContextFields(pslog.ContextWithLogger(base, logger), ctx)
		}
	}
	return context.WithCancel(base)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func anyState(cells []schema.Cell, state schema.CellState) bool {
	for _, cell := range cells {
		if cell.State == state {
			return true
		}
	}
	return false
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
