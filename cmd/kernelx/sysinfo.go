package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/kernelx/schema"
)

func newSysInfoCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "sysinfo",
		Short: "Print the kernel's interpreter version, notebook version and executable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			nb, _, err := openNotebook(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer closeNotebook(ctx, nb)
			cell, err := nb.Executor.GetSysInfo(ctx)
			if err != nil {
				return err
			}
			return renderCells(cmd.OutOrStdout(), newRenderer(cmd.OutOrStdout()), []schema.Cell{cell})
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path (default ~/.kernelx/config.yaml)")
	return cmd
}
