package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	// The kernel mock handles SIGINT itself.
	if isKernelMockInvocation(applyArgv0Alias(os.Args)) {
		os.Exit(submain(context.Background()))
	}
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("kernelx: load .env: %v", err)
	}
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	args := applyArgv0Alias(os.Args)
	root := newRootCmd()
	root.SetArgs(args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		if !isKernelMockInvocation(args) {
			pslog.Ctx(ctx).With("err", err).Error("kernelx command failed")
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kernelx",
		Short:         "Run notebook cells against a Jupyter-style kernel",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newReplCmd())
	root.AddCommand(newSysInfoCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newKernelMockCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func argv0Alias(base string) string {
	switch base {
	case "kernel-mock", "kernelx-kernel-mock":
		return "kernel-mock"
	default:
		return ""
	}
}

func applyArgv0Alias(args []string) []string {
	if len(args) == 0 {
		return args
	}
	alias := argv0Alias(filepath.Base(args[0]))
	if alias == "" {
		return args
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], alias)
	out = append(out, args[1:]...)
	return out
}

func isKernelMockInvocation(args []string) bool {
	return len(args) > 1 && args[1] == "kernel-mock"
}

// exitCodeError ends the process with code without logging.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return "exit status " + strconv.Itoa(e.code)
}
