package main

import (
	"context"
	"fmt"

	"pkt.systems/kernelx"
	"pkt.systems/kernelx/internal/appconfig"
	"pkt.systems/pslog"
)

func openNotebook(ctx context.Context, cfgPath string) (*kernelx.Notebook, appconfig.Config, error) {
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return nil, appconfig.Config{}, err
	}
	nb, err := kernelx.Open(ctx, kernelx.ConfigFromApp(cfg), kernelx.Deps{Logger: pslog.Ctx(ctx)})
	if err != nil {
		return nil, appconfig.Config{}, fmt.Errorf("open %s kernel: %w", cfg.Kernel.Transport, err)
	}
	return nb, cfg, nil
}

func closeNotebook(ctx context.Context, nb *kernelx.Notebook) {
	if err := nb.Close(context.WithoutCancel(ctx)); err != nil {
		pslog.Ctx(ctx).Warn("notebook close failed", "err", err)
	}
}
