package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wyfcoding/etflab/bootstrap"
	"github.com/wyfcoding/etflab/config"
	"github.com/wyfcoding/etflab/loader"
	"github.com/wyfcoding/etflab/logging"
	"github.com/wyfcoding/etflab/metrics"
	"github.com/wyfcoding/etflab/overlap"
	"github.com/wyfcoding/etflab/report"
	"github.com/wyfcoding/etflab/returns"
	"github.com/wyfcoding/etflab/simulation"
	"github.com/wyfcoding/etflab/store"
	"github.com/wyfcoding/etflab/tracing"
	"github.com/wyfcoding/etflab/universe"
)

func newSimulateCmd(v *viper.Viper, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate random portfolios and report overlap among the best",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := bootstrap.New(serviceName, version)
			if err := b.Initialize(v, *configPath); err != nil {
				return err
			}
			ctx := cmd.Context()
			defer b.SetupTracing(ctx)()
			defer b.SetupMetrics()()
			return runSimulate(ctx, b.Config, b.Logger, b.Metrics, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.Int64("seed", 0, "random seed")
	f.Int("n-portfolios", 0, "number of simulated portfolios")
	f.IntSlice("etf-counts", nil, "portfolio sizes, cycled across trials")
	f.Float64("top-pct", 0, "fraction of best portfolios to analyze, in (0,1]")
	f.Int("min-history", 0, "minimum valid observations per instrument")
	f.Int("workers", 0, "parallel trial workers")
	f.String("score", "", "ranking metric (sharpe, alpha, ann_return, diversification)")
	f.String("chart", "", "write a PNG bar chart of ticker frequencies to this path")

	for flag, key := range map[string]string{
		"seed":         "simulation.seed",
		"n-portfolios": "simulation.n_portfolios",
		"etf-counts":   "simulation.etf_counts",
		"top-pct":      "simulation.top_pct",
		"min-history":  "simulation.min_history",
		"workers":      "simulation.workers",
		"score":        "simulation.score",
		"chart":        "report.chart_path",
	} {
		bind(v, f.Lookup(flag), key)
	}
	return cmd
}

// runSimulate 执行完整的分析流程: 读取数据, 构建面板, 模拟, 重叠分析, 输出与落库.
func runSimulate(ctx context.Context, cfg *config.Config, logger *logging.Logger, m *metrics.Metrics, out io.Writer) error {
	ctx, span := tracing.StartSpan(ctx, "etflab.simulate")
	defer span.End()
	log := logger.Named("pipeline")

	var (
		entries []universe.Entry
		tickers []string
		meta    universe.Lookup
	)
	if exists(cfg.Data.UniversePath) {
		var err error
		if entries, err = loader.LoadUniverse(cfg.Data.UniversePath); err != nil {
			return err
		}
		selected := universe.SelectTopByCategory(entries, cfg.Universe.TopNPerCategory)
		tickers = universe.Tickers(selected)
		u := universe.New(entries)
		if !u.HasAssetClasses() {
			log.WarnContext(ctx, "universe has no asset_class rows, categories will be empty", "path", cfg.Data.UniversePath)
		}
		meta = u
		log.InfoContext(ctx, "universe loaded", "rows", len(entries), "tickers", u.Len(), "selected", len(tickers))
	} else {
		log.WarnContext(ctx, "universe file not found, using every ticker in the returns file", "path", cfg.Data.UniversePath)
	}

	panel, err := loadPanel(ctx, cfg, tickers, cfg.Simulation.MinHistory)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "returns panel built", "dates", panel.Len(), "instruments", len(panel.Instruments()))

	var (
		factors *returns.FactorSeries
		market  *returns.Series
	)
	if exists(cfg.Data.FactorsPath) {
		fs, err := loader.LoadFactors(cfg.Data.FactorsPath)
		if err != nil {
			return err
		}
		factors = &fs
		if mkt, err := loader.MarketSeries(fs, cfg.Data.MarketColumn); err == nil {
			market = &mkt
		} else {
			log.WarnContext(ctx, "market column not found in factors", "column", cfg.Data.MarketColumn)
		}
		log.InfoContext(ctx, "factors loaded", "dates", len(fs.Dates), "factors", fs.Names)
	}

	sim, err := simulation.New(cfg.Simulation, simulation.WithLogger(logger.Named("simulation")), simulation.WithMetrics(m))
	if err != nil {
		return err
	}
	res, err := sim.Simulate(ctx, panel, factors, market)
	if err != nil {
		return err
	}

	stop := func() {}
	if m != nil {
		stop = m.ObserveStage("overlap")
	}
	rep, err := overlap.TopOverlap(res, meta, cfg.Simulation.TopPct)
	stop()
	if err != nil {
		return err
	}

	if err := report.WriteText(out, rep, cfg.Report.TopN); err != nil {
		return err
	}
	if cfg.Report.ChartPath != "" {
		if err := report.WriteChart(cfg.Report.ChartPath, rep, cfg.Report.TopN); err != nil {
			return err
		}
		log.InfoContext(ctx, "chart written", "path", cfg.Report.ChartPath)
	}

	if cfg.Store.Path != "" {
		st, err := store.Open(ctx, cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		id, err := st.SaveRun(ctx, res, rep)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "run saved", "run_id", id, "path", cfg.Store.Path)
	}
	return nil
}

// loadPanel 读取收益率文件并构建面板, tickers 为空表示全部标的.
func loadPanel(ctx context.Context, cfg *config.Config, tickers []string, minHistory int) (*returns.Panel, error) {
	done := logging.LogDuration(ctx, "load returns", "path", cfg.Data.ReturnsPath)
	defer done()
	obs, err := loader.LoadReturns(cfg.Data.ReturnsPath)
	if err != nil {
		return nil, err
	}
	return returns.BuildPanel(obs, tickers, minHistory, returns.FillMethod(cfg.Data.FillMethod))
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
