package main

import (
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/kernelx/internal/kernelmock"
	"pkt.systems/pslog"
)

func newKernelMockCmd() *cobra.Command {
	var (
		delayMS    int
		pyVersion  string
		executable string
	)
	cmd := &cobra.Command{
		Use:   "kernel-mock",
		Short: "Serve a scripted kernel over stdin/stdout for testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if delayMS < 0 {
				return errors.New("--delay-ms must be >= 0")
			}
			interrupts, stop := notifyInterrupts()
			defer stop()
			cfg := kernelmock.Config{
				Delay:      time.Duration(delayMS) * time.Millisecond,
				Version:    pyVersion,
				Executable: executable,
			}
			kernel := kernelmock.New(cfg, cmd.OutOrStdout(), interrupts, pslog.Ctx(cmd.Context()))
			err := kernel.Serve(cmd.Context(), cmd.InOrStdin())
			var exitErr *kernelmock.ExitError
			if errors.As(err, &exitErr) {
				return &exitCodeError{code: exitErr.Code}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&delayMS, "delay-ms", 0, "delay between output messages")
	cmd.Flags().StringVar(&pyVersion, "py-version", "", "value reported for sys.version")
	cmd.Flags().StringVar(&executable, "executable", "", "value reported for sys.executable")
	return cmd
}

// notifyInterrupts turns SIGINT into kernel interrupts.
func notifyInterrupts() (<-chan struct{}, func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	interrupts := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigs:
				select {
				case interrupts <- struct{}{}:
				default:
				}
			}
		}
	}()
	return interrupts, func() {
		signal.Stop(sigs)
		close(done)
	}
}
