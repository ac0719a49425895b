package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wyfcoding/etflab/bootstrap"
	"github.com/wyfcoding/etflab/config"
	"github.com/wyfcoding/etflab/factor"
	"github.com/wyfcoding/etflab/finance"
	"github.com/wyfcoding/etflab/loader"
	"github.com/wyfcoding/etflab/logging"
	"github.com/wyfcoding/etflab/report"
	"github.com/wyfcoding/etflab/xerrors"
)

const (
	covSample = "sample"
	covFactor = "factor"
)

type optimizeOptions struct {
	tickers   []string
	objective string
	target    float64
	hasTarget bool
	longOnly  bool
	cov       string
}

func newOptimizeCmd(v *viper.Viper, configPath *string) *cobra.Command {
	var opts optimizeOptions
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Mean-variance weights for a fixed set of tickers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := bootstrap.New(serviceName, version)
			if err := b.Initialize(v, *configPath); err != nil {
				return err
			}
			opts.hasTarget = cmd.Flags().Changed("target")
			return runOptimize(cmd.Context(), b.Config, b.Logger, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.tickers, "tickers", nil, "tickers to allocate across")
	f.StringVar(&opts.objective, "objective", string(finance.MinVariance), "min_var, max_sharpe or target")
	f.Float64Var(&opts.target, "target", 0, "annualized target return")
	f.BoolVar(&opts.longOnly, "long-only", false, "constrain weights to be non-negative")
	f.StringVar(&opts.cov, "cov", covSample, "covariance source: sample or factor")
	_ = cmd.MarkFlagRequired("tickers")
	return cmd
}

func runOptimize(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts optimizeOptions, out io.Writer) error {
	log := logger.Named("optimize")
	if len(opts.tickers) == 0 {
		return xerrors.Derive(xerrors.ErrInvalidConfig).WithDetail("no tickers given")
	}
	if opts.cov != covSample && opts.cov != covFactor {
		return xerrors.Derive(xerrors.ErrInvalidConfig).WithDetail("unknown covariance source %q", opts.cov)
	}

	panel, err := loadPanel(ctx, cfg, opts.tickers, cfg.Simulation.MinHistory)
	if err != nil {
		return err
	}
	ids := panel.Instruments()
	if len(ids) == 0 {
		return xerrors.Derive(xerrors.ErrInsufficientData).
			WithDetail("no ticker has %d observations", cfg.Simulation.MinHistory)
	}
	if len(ids) < len(opts.tickers) {
		log.WarnContext(ctx, "tickers dropped for short history", "requested", len(opts.tickers), "kept", len(ids))
	}

	p := cfg.Simulation.PeriodsPerYear
	mu, cov, err := finance.AnnualizeStats(panel, ids, p)
	if err != nil {
		return err
	}

	if opts.cov == covFactor {
		fs, err := loader.LoadFactors(cfg.Data.FactorsPath)
		if err != nil {
			return err
		}
		l, err := factor.EstimateMany(panel, fs, ids)
		if err != nil {
			return err
		}
		implied := factor.ImpliedCovariance(l)
		implied.ScaleSym(float64(p), implied)
		cov = implied
		if err := report.WriteCorrelation(out, fs.Names, factor.Correlation(fs)); err != nil {
			return err
		}
	}

	var target *float64
	if opts.hasTarget {
		target = &opts.target
	}
	plan, err := finance.Optimize(ids, mu, cov, finance.PlanOptions{
		Objective: finance.Objective(opts.objective),
		Target:    target,
		RiskFree:  cfg.Simulation.RiskFree,
		LongOnly:  opts.longOnly,
	})
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "allocation computed", "objective", opts.objective, "cov", opts.cov, "instruments", len(ids))
	return report.WriteAllocation(out, plan, cfg.Simulation.RiskFree)
}
