package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/kernelx/core"
	"pkt.systems/kernelx/internal/watch"
	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

func newRunCmd() *cobra.Command {
	var (
		cfgPath  string
		watchRun bool
	)
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute every cell of a source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			nb, _, err := openNotebook(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer closeNotebook(ctx, nb)

			failed, err := runFile(ctx, nb.Executor, path, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if !watchRun {
				if failed {
					return &exitCodeError{code: 1}
				}
				return nil
			}
			return watch.File(ctx, path, watch.DefaultDebounce, func(ctx context.Context) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "--- %s changed, rerunning\n", filepath.Base(path))
				if _, err := runFile(ctx, nb.Executor, path, cmd.OutOrStdout()); err != nil {
					pslog.Ctx(ctx).Warn("rerun failed", "path", path, "err", err)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path (default ~/.kernelx/config.yaml)")
	cmd.Flags().BoolVarP(&watchRun, "watch", "w", false, "rerun the file whenever it changes")
	return cmd
}

// runFile executes the cells of path in order and reports whether any of them
// ended in error. With stop-on-error set, the first failing cell ends the run.
func runFile(ctx context.Context, exec *core.Executor, path string, out io.Writer) (bool, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	renderer := newRenderer(out)
	failed := false
	for _, block := range exec.SplitSource(string(source)) {
		cells, err := exec.Execute(ctx, core.ExecuteParams{Code: block.Code, File: path, Line: block.Line})
		if renderErr := renderCells(out, renderer, cells); renderErr != nil {
			return failed, renderErr
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, schema.ErrCanceled) || errors.Is(err, schema.ErrKernelCrashed) {
				return true, err
			}
			pslog.Ctx(ctx).Warn("cell failed", "path", path, "line", block.Line+1, "err", err)
			failed = true
			continue
		}
		if hasError(cells) {
			failed = true
			if exec.Config().StopOnError {
				return true, nil
			}
		}
	}
	return failed, nil
}

func hasError(cells []schema.Cell) bool {
	for _, cell := range cells {
		if cell.State == schema.CellError {
			return true
		}
	}
	return false
}
