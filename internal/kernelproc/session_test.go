package kernelproc

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"testing"
	"time"

	"pkt.systems/kernelx/core"
	"pkt.systems/kernelx/internal/kernelmock"
	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

const (
	helperEnv     = "KERNELX_WANT_HELPER_KERNEL"
	helperModeEnv = "KERNELX_HELPER_MODE"
)

// TestHelperProcess is the kernel bridge started by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	switch os.Getenv(helperModeEnv) {
	case "linger":
		time.Sleep(10 * time.Second)
		os.Exit(0)
	case "orphan":
		// The child inherits stdout and stderr and outlives the kernel.
		child := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
		child.Env = append(os.Environ(), helperModeEnv+"=linger")
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			os.Exit(2)
		}
	}
	os.Exit(runHelperKernel())
}

func runHelperKernel() int {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	interrupts := make(chan struct{}, 1)
	go func() {
		for range sigs {
			select {
			case interrupts <- struct{}{}:
			default:
			}
		}
	}()
	logger := pslog.NewWithOptions(os.Stderr, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.ErrorLevel})
	err := kernelmock.New(kernelmock.Config{}, os.Stdout, interrupts, logger).Serve(context.Background(), os.Stdin)
	var exitErr *kernelmock.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if err != nil {
		return 1
	}
	return 0
}

func startHelper(t *testing.T, env ...string) *Session {
	t.Helper()
	session, err := Start(context.Background(), Config{
		BinaryPath: os.Args[0],
		Args:       []string{"-test.run=^TestHelperProcess$"},
		Env:        append([]string{helperEnv + "=1"}, env...),
		StopGrace:  time.Second,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func drain(t *testing.T, req core.Request) ([]schema.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msgs []schema.Message
	for {
		msg, err := req.Next(ctx)
		if errors.Is(err, io.EOF) {
			return msgs, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				t.Fatalf("timed out draining request")
			}
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

func streamText(msgs []schema.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		if msg.Type() != schema.MsgStream {
			continue
		}
		var content struct {
			Text string `json:"text"`
		}
		_ = msg.DecodeContent(&content)
		b.WriteString(content.Text)
	}
	return b.String()
}

func hasType(msgs []schema.Message, msgType schema.MessageType) bool {
	for _, msg := range msgs {
		if msg.Type() == msgType {
			return true
		}
	}
	return false
}

func TestSessionExecute(t *testing.T) {
	session := startHelper(t)
	req, err := session.RequestExecute(context.Background(), core.ExecuteRequest{Code: "print(hello)", StoreHistory: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	msgs, err := drain(t, req)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := streamText(msgs); got != "hello\n" {
		t.Fatalf("unexpected stream %q", got)
	}
	if !hasType(msgs, schema.MsgExecuteReply) {
		t.Fatalf("expected execute_reply")
	}
	if err := session.WaitForIdle(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("wait for idle: %v", err)
	}
}

func TestSessionUnexpectedExitDisconnects(t *testing.T) {
	session := startHelper(t)
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	req, err := session.RequestExecute(context.Background(), core.ExecuteRequest{Code: "exit 3"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	_, err = drain(t, req)
	var crashed *schema.KernelCrashedError
	if !errors.As(err, &crashed) || crashed.ExitCode != 3 {
		t.Fatalf("expected crash with code 3, got %v", err)
	}
	select {
	case event := <-events:
		if event.Type != core.SessionDisconnected || !event.HasExitCode || event.ExitCode != 3 {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected disconnect event")
	}
	if code, ok := session.ExitCode(); !ok || code != 3 {
		t.Fatalf("expected exit code 3, got %d %v", code, ok)
	}
	if _, err := session.RequestExecute(context.Background(), core.ExecuteRequest{Code: "print(x)"}); core.ClassifySessionError(err) != core.SessionErrorUnavailable {
		t.Fatalf("expected unavailable after exit, got %v", err)
	}
}

func TestSessionExitReportedWhileDescendantHoldsOutput(t *testing.T) {
	session := startHelper(t, helperModeEnv+"=orphan")
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	req, err := session.RequestExecute(context.Background(), core.ExecuteRequest{Code: "exit 4"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	select {
	case event := <-events:
		if event.Type != core.SessionDisconnected || event.ExitCode != 4 {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("exit hidden by the descendant holding stdout")
	}
	_, err = drain(t, req)
	var crashed *schema.KernelCrashedError
	if !errors.As(err, &crashed) || crashed.ExitCode != 4 {
		t.Fatalf("expected crash with code 4, got %v", err)
	}
}

func TestSessionInterruptRaisesKeyboardInterrupt(t *testing.T) {
	session := startHelper(t)
	req, err := session.RequestExecute(context.Background(), core.ExecuteRequest{Code: "sleep 30"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for session.router.State() != schema.ExecutionStateBusy {
		if time.Now().After(deadline) {
			t.Fatalf("kernel never became busy")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := session.Interrupt(context.Background(), time.Second); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	msgs, err := drain(t, req)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	found := false
	for _, msg := range msgs {
		if msg.Type() != schema.MsgError {
			continue
		}
		var content schema.ErrorContent
		_ = msg.DecodeContent(&content)
		found = content.EName == "KeyboardInterrupt"
	}
	if !found {
		t.Fatalf("expected KeyboardInterrupt error")
	}
}

func TestSessionRestartIsQuiet(t *testing.T) {
	session := startHelper(t)
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	if err := session.Restart(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("restart: %v", err)
	}
	select {
	case event := <-events:
		t.Fatalf("restart should not publish events, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
	if _, ok := session.ExitCode(); ok {
		t.Fatalf("requested restart should not report an exit")
	}
	req, err := session.RequestExecute(context.Background(), core.ExecuteRequest{Code: "print(again)"})
	if err != nil {
		t.Fatalf("execute after restart: %v", err)
	}
	msgs, err := drain(t, req)
	if err != nil || streamText(msgs) != "again\n" {
		t.Fatalf("unexpected result after restart: %q %v", streamText(msgs), err)
	}
}

func TestSessionCloseFailsLaterCalls(t *testing.T) {
	session := startHelper(t)
	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := session.RequestExecute(context.Background(), core.ExecuteRequest{Code: "print(x)"}); !errors.Is(err, schema.ErrSessionUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := session.Restart(context.Background(), time.Second); !errors.Is(err, schema.ErrSessionUnavailable) {
		t.Fatalf("expected unavailable restart, got %v", err)
	}
}

func TestExitStatus(t *testing.T) {
	if code, signal := exitStatus(nil); code != 0 || signal != "" {
		t.Fatalf("unexpected status for nil: %d %q", code, signal)
	}
	if code, _ := exitStatus(errors.New("boom")); code != -1 {
		t.Fatalf("expected -1 for non-exit errors, got %d", code)
	}
}
