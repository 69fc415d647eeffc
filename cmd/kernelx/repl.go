package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/kernelx/core"
	"pkt.systems/kernelx/internal/format"
	"pkt.systems/kernelx/internal/persist"
	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

const replFile = "<repl>"

func newReplCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Read cells from stdin and run them; a blank line submits",
		Long: `Read cells from stdin and run them. A blank line submits the buffered cell.
Cells run in the background, so these commands work while one is busy:

  :interrupt  interrupt the kernel
  :restart    restart the kernel
  :wait       wait for the kernel to go idle
  :sysinfo    print interpreter information
  :history    list submitted cells
  :rerun N    submit history entry N again
  :quit       exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			nb, cfg, err := openNotebook(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer closeNotebook(ctx, nb)
			interactive := false
			if f, ok := cmd.InOrStdin().(*os.File); ok {
				interactive = term.IsTerminal(int(f.Fd()))
			}
			r := newRepl(nb.Executor, cmd.OutOrStdout(), interactive)
			store, err := persist.NewStore(cfg.StateDir, pslog.Ctx(ctx))
			if err != nil {
				pslog.Ctx(ctx).Warn("repl history disabled", "err", err)
				return r.run(ctx, cmd.InOrStdin())
			}
			return r.runWithHistory(ctx, cmd.InOrStdin(), store)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path (default ~/.kernelx/config.yaml)")
	return cmd
}

type repl struct {
	exec    *core.Executor
	prompt  bool
	history *cellHistory
	render  *format.PlainRenderer

	mu   sync.Mutex
	out  io.Writer
	wg   sync.WaitGroup
	line int
}

func newRepl(exec *core.Executor, out io.Writer, prompt bool) *repl {
	return &repl{exec: exec, out: out, prompt: prompt, history: newCellHistory(defaultHistoryMax), render: newRenderer(out)}
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	defer r.wg.Wait()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var buf []string
	start := 0
	r.showPrompt(false)
	for scanner.Scan() {
		text := scanner.Text()
		lineNo := r.line
		r.line++
		if len(buf) == 0 && strings.HasPrefix(strings.TrimSpace(text), ":") {
			if quit := r.command(ctx, strings.TrimSpace(text)); quit {
				return nil
			}
			r.showPrompt(false)
			continue
		}
		if strings.TrimSpace(text) == "" {
			if len(buf) > 0 {
				r.submit(ctx, strings.Join(buf, "\n"), start)
				buf = buf[:0]
			}
			r.showPrompt(false)
			continue
		}
		if len(buf) == 0 {
			start = lineNo
		}
		buf = append(buf, text)
		r.showPrompt(true)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(buf) > 0 {
		r.submit(ctx, strings.Join(buf, "\n"), start)
	}
	return nil
}

// runWithHistory restores the notebook's history from store before reading
// and saves it afterwards.
func (r *repl) runWithHistory(ctx context.Context, in io.Reader, store *persist.Store) error {
	id := r.exec.Config().NotebookID
	snapshot, _, err := store.Load(id)
	if err != nil {
		pslog.Ctx(ctx).Warn("repl history not restored", "notebook", id, "err", err)
	}
	for _, code := range snapshot.History {
		r.history.Append(code)
	}
	runErr := r.run(ctx, in)
	if err := store.Save(id, persist.NotebookSnapshot{History: r.history.Entries()}); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func (r *repl) submit(ctx context.Context, code string, line int) {
	r.history.Append(code)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		cells, err := r.exec.Execute(ctx, core.ExecuteParams{Code: code, File: replFile, Line: line})
		r.mu.Lock()
		defer r.mu.Unlock()
		_ = renderCells(r.out, r.render, cells)
		if err != nil {
			_, _ = fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}()
}

func (r *repl) command(ctx context.Context, text string) bool {
	if arg, ok := strings.CutPrefix(text, ":rerun "); ok {
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			r.report("", fmt.Errorf("rerun: %w", err))
			return false
		}
		code, ok := r.history.Get(n)
		if !ok {
			r.report("", fmt.Errorf("no history entry %d", n))
			return false
		}
		r.submit(ctx, code, 0)
		return false
	}
	switch text {
	case ":quit", ":q":
		return true
	case ":interrupt":
		result, err := r.exec.Interrupt(ctx, 0)
		r.report("interrupt: "+result.String(), err)
	case ":restart":
		r.report("restarted", r.exec.Restart(ctx, 0))
	case ":wait":
		r.report("idle", r.exec.WaitForIdle(ctx, 0))
	case ":sysinfo":
		cell, err := r.exec.GetSysInfo(ctx)
		if err != nil {
			r.report("", err)
			break
		}
		r.mu.Lock()
		_ = renderCells(r.out, r.render, []schema.Cell{cell})
		r.mu.Unlock()
	case ":history":
		r.mu.Lock()
		for i, code := range r.history.Entries() {
			_, _ = fmt.Fprintf(r.out, "[%d] %s\n", i+1, strings.ReplaceAll(code, "\n", "\n    "))
		}
		r.mu.Unlock()
	default:
		r.report("", fmt.Errorf("unknown command %s", text))
	}
	return false
}

func (r *repl) report(ok string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		_, _ = fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	_, _ = fmt.Fprintln(r.out, ok)
}

func (r *repl) showPrompt(continuation bool) {
	if !r.prompt {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if continuation {
		_, _ = io.WriteString(r.out, "... ")
		return
	}
	_, _ = io.WriteString(r.out, ">>> ")
}
