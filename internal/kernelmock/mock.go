// Package kernelmock is a deterministic kernel bridge speaking Jupyter
// messages as JSON lines. It understands a tiny command language instead of
// Python:
//
//	print(<text>)              stdout stream
//	eprint(<text>)             stderr stream
//	raise <Name>[: <message>]  error output, reply status "error"
//	sleep <seconds>            blocks; an interrupt raises KeyboardInterrupt
//	clear [wait]               clear_output
//	display <id> <text>        display_data with a display id
//	update_display <id> <text> update_display_data
//	exit <code>                exits the bridge with code
//
// Blank lines, comments, magics, imports and assignments are accepted and do
// nothing. A last line that is none of the above is echoed as the
// execute_result, except for a few well-known probes such as sys.version.
package kernelmock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"pkt.systems/kernelx/internal/kernelwire"
	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

// Config tunes the mock.
type Config struct {
	// Delay is slept between output messages.
	Delay time.Duration
	// Version is reported for sys.version.
	Version string
	// Executable is reported for sys.executable.
	Executable string
}

// ExitError asks the caller to exit with Code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("kernel exit requested with code %d", e.Code)
}

// Kernel runs requests one at a time.
type Kernel struct {
	cfg        Config
	enc        *kernelwire.Encoder
	interrupts <-chan struct{}
	count      int
	log        pslog.Logger
}

// New constructs a kernel writing to out. Sends on interrupts abort a running
// sleep; they are ignored while idle.
func New(cfg Config, out io.Writer, interrupts <-chan struct{}, logger pslog.Logger) *Kernel {
	if cfg.Version == "" {
		cfg.Version = "3.12.0 (kernelx mock)"
	}
	if cfg.Executable == "" {
		cfg.Executable = "/usr/bin/python3"
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Kernel{cfg: cfg, enc: kernelwire.NewEncoder(out), interrupts: interrupts, log: logger}
}

// Serve reads execute requests from in until EOF. It returns an *ExitError
// when code asked the bridge to exit.
func (k *Kernel) Serve(ctx context.Context, in io.Reader) error {
	if err := k.status(schema.Message{}, schema.ExecutionStateIdle); err != nil {
		return err
	}
	dec := kernelwire.NewDecoder(in)
	for {
		msg, err := dec.Next(ctx)
		if err != nil {
			var decodeErr *kernelwire.DecodeError
			if errors.As(err, &decodeErr) {
				k.log.Warn("kernel mock decode failed", "preview", kernelwire.PreviewText(string(decodeErr.Line()), 200), "err", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Type() != schema.MsgExecuteRequest {
			k.log.Debug("kernel mock ignored message", "msg_type", msg.Type())
			continue
		}
		if err := k.execute(ctx, msg); err != nil {
			return err
		}
	}
}

func (k *Kernel) execute(ctx context.Context, req schema.Message) error {
	var content schema.ExecuteRequestContent
	if err := req.DecodeContent(&content); err != nil {
		return err
	}
	k.drainInterrupts()
	if content.StoreHistory {
		k.count++
	}
	count := k.count
	if err := k.status(req, schema.ExecutionStateBusy); err != nil {
		return err
	}
	if err := k.send(req, schema.MsgExecuteInput, schema.ExecuteInputContent{Code: content.Code, ExecutionCount: &count}); err != nil {
		return err
	}
	failure, runErr := k.run(ctx, req, content.Code, count)
	var exitErr *ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return runErr
	}
	if exitErr != nil {
		return exitErr
	}
	reply := schema.ExecuteReplyContent{Status: "ok", ExecutionCount: &count}
	if failure != nil {
		if err := k.send(req, schema.MsgError, *failure); err != nil {
			return err
		}
		reply.Status = "error"
		reply.EName = failure.EName
		reply.EValue = failure.EValue
		reply.Traceback = failure.Traceback
	}
	if err := k.sendOn(req, schema.MsgExecuteReply, schema.ChannelShell, reply); err != nil {
		return err
	}
	return k.status(req, schema.ExecutionStateIdle)
}

// run interprets code line by line and stops at the first error.
func (k *Kernel) run(ctx context.Context, req schema.Message, code string, count int) (*schema.ErrorContent, error) {
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			last = trimmed
			break
		}
	}
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		verb, arg, _ := strings.Cut(line, " ")
		switch {
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, "%"), strings.HasPrefix(line, "import "):
			continue
		case strings.HasPrefix(line, "print(") && strings.HasSuffix(line, ")"):
			if err := k.stream(req, "stdout", unquote(line[len("print("):len(line)-1])+"\n"); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "eprint(") && strings.HasSuffix(line, ")"):
			if err := k.stream(req, "stderr", unquote(line[len("eprint("):len(line)-1])+"\n"); err != nil {
				return nil, err
			}
		case verb == "raise":
			name, value, _ := strings.Cut(arg, ":")
			return traceback(strings.TrimSpace(name), strings.TrimSpace(value)), nil
		case verb == "sleep":
			seconds, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return traceback("ValueError", fmt.Sprintf("invalid sleep %q", arg)), nil
			}
			if interrupted, err := k.sleep(ctx, time.Duration(seconds*float64(time.Second))); err != nil || interrupted {
				if err != nil {
					return nil, err
				}
				return keyboardInterrupt(), nil
			}
		case verb == "clear":
			if err := k.send(req, schema.MsgClearOutput, schema.ClearOutputContent{Wait: arg == "wait"}); err != nil {
				return nil, err
			}
		case verb == "display" || verb == "update_display":
			id, text, _ := strings.Cut(arg, " ")
			msgType := schema.MsgDisplayData
			if verb == "update_display" {
				msgType = schema.MsgUpdateDisplayData
			}
			if err := k.send(req, msgType, schema.DisplayDataContent{
				Data:      schema.MimeBundle{schema.MimeTextPlain: unquote(text)},
				Metadata:  map[string]any{},
				Transient: map[string]any{"display_id": id},
			}); err != nil {
				return nil, err
			}
		case verb == "exit":
			code, err := strconv.Atoi(arg)
			if err != nil {
				return traceback("ValueError", fmt.Sprintf("invalid exit code %q", arg)), nil
			}
			return nil, &ExitError{Code: code}
		case strings.Contains(line, "="):
			continue
		case line == last:
			value, ok := k.probe(line)
			if !ok {
				value = line
			}
			if err := k.send(req, schema.MsgExecuteResult, schema.ExecuteResultContent{
				Data:           schema.MimeBundle{schema.MimeTextPlain: value},
				Metadata:       map[string]any{},
				ExecutionCount: &count,
			}); err != nil {
				return nil, err
			}
		default:
			return traceback("NameError", fmt.Sprintf("name '%s' is not defined", line)), nil
		}
		if k.cfg.Delay > 0 {
			time.Sleep(k.cfg.Delay)
		}
	}
	return nil, nil
}

func (k *Kernel) probe(expr string) (string, bool) {
	switch expr {
	case "sys.version":
		return "'" + k.cfg.Version + "'", true
	case "sys.executable":
		return "'" + k.cfg.Executable + "'", true
	case "notebook.version_info":
		return "(6, 5, 4)", true
	}
	return "", false
}

func (k *Kernel) sleep(ctx context.Context, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false, nil
	case <-k.interrupts:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (k *Kernel) drainInterrupts() {
	for {
		select {
		case <-k.interrupts:
		default:
			return
		}
	}
}

func (k *Kernel) stream(req schema.Message, name, text string) error {
	return k.send(req, schema.MsgStream, map[string]any{"name": name, "text": text})
}

func (k *Kernel) status(req schema.Message, state string) error {
	return k.send(req, schema.MsgStatus, schema.StatusContent{ExecutionState: state})
}

func (k *Kernel) send(req schema.Message, msgType schema.MessageType, content any) error {
	return k.sendOn(req, msgType, schema.ChannelIOPub, content)
}

func (k *Kernel) sendOn(req schema.Message, msgType schema.MessageType, channel schema.Channel, content any) error {
	msg, err := kernelwire.Reply(req, msgType, channel, content)
	if err != nil {
		return err
	}
	return k.enc.Encode(msg)
}

func traceback(name, value string) *schema.ErrorContent {
	if name == "" {
		name = "Exception"
	}
	line := name
	if value != "" {
		line += ": " + value
	}
	return &schema.ErrorContent{
		EName:     name,
		EValue:    value,
		Traceback: []string{"Traceback (most recent call last):", line},
	}
}

func keyboardInterrupt() *schema.ErrorContent {
	return &schema.ErrorContent{
		EName:     "KeyboardInterrupt",
		EValue:    "",
		Traceback: []string{"Traceback (most recent call last):", "KeyboardInterrupt: "},
	}
}

func unquote(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}
