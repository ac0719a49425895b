package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wyfcoding/etflab/bootstrap"
	"github.com/wyfcoding/etflab/config"
	"github.com/wyfcoding/etflab/report"
	"github.com/wyfcoding/etflab/simulation"
	"github.com/wyfcoding/etflab/xerrors"
)

func newHorizonsCmd(v *viper.Viper, configPath *string) *cobra.Command {
	var (
		tickers []string
		years   int
		windows int
	)
	cmd := &cobra.Command{
		Use:   "horizons",
		Short: "Evaluate an equal-weight portfolio over random holding windows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := bootstrap.New(serviceName, version)
			if err := b.Initialize(v, *configPath); err != nil {
				return err
			}
			return runHorizons(cmd.Context(), b.Config, tickers, years, windows, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&tickers, "tickers", nil, "portfolio members")
	f.IntVar(&years, "years", 3, "holding period in years")
	f.IntVar(&windows, "windows", 100, "number of random windows")
	_ = cmd.MarkFlagRequired("tickers")
	return cmd
}

func runHorizons(ctx context.Context, cfg *config.Config, tickers []string, years, windows int, out io.Writer) error {
	if years <= 0 || windows <= 0 {
		return xerrors.Derive(xerrors.ErrInvalidConfig).WithDetail("years and windows must be positive")
	}
	panel, err := loadPanel(ctx, cfg, tickers, 1)
	if err != nil {
		return err
	}
	results, err := simulation.SimulateHorizons(panel, tickers, years, windows, cfg.Simulation.Seed, simulation.HorizonConfig{
		RiskFree:       cfg.Simulation.RiskFree,
		PeriodsPerYear: cfg.Simulation.PeriodsPerYear,
	})
	if err != nil {
		return err
	}
	return report.WriteHorizons(out, panel.Instruments(), years, simulation.SummarizeHorizons(results))
}
