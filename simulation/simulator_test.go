package simulation

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/etflab/config"
	"github.com/wyfcoding/etflab/logging"
	"github.com/wyfcoding/etflab/metrics"
	"github.com/wyfcoding/etflab/returns"
	"github.com/wyfcoding/etflab/xerrors"
)

var quiet = logging.NewFromConfig(logging.Config{Service: "test", Module: "simulation", Level: "error", Output: io.Discard})

func dates(n int) []time.Time {
	out := make([]time.Time, n)
	d := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = d
		d = d.AddDate(0, 0, 1)
		for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			d = d.AddDate(0, 0, 1)
		}
	}
	return out
}

// marketPanel 生成 n 天的市场序列以及围绕它波动的若干标的.
func marketPanel(t *testing.T, n int, ids ...string) (*returns.Panel, returns.Series) {
	t.Helper()
	rng := rand.New(rand.NewSource(99))
	ds := dates(n)
	mkt := make([]float64, n)
	for i := range mkt {
		mkt[i] = 0.0003 + rng.NormFloat64()*0.01
	}
	cols := make(map[string][]float64, len(ids))
	for k, id := range ids {
		beta := 0.6 + 0.2*float64(k)
		col := make([]float64, n)
		for i := range col {
			col[i] = beta*mkt[i] + rng.NormFloat64()*0.005
		}
		cols[id] = col
	}
	p, err := returns.NewPanel(ds, cols)
	require.NoError(t, err)
	return p, returns.Series{Dates: ds, Values: mkt}
}

func baseConfig() config.SimulationConfig {
	cfg := config.Default().Simulation
	cfg.MinHistory = 60
	cfg.NPortfolios = 100
	cfg.EtfCounts = []int{2}
	cfg.Seed = 42
	cfg.MaxRetries = 10
	return cfg
}

func fingerprint(res *Result) []string {
	out := make([]string, len(res.Records))
	for i, r := range res.Records {
		out[i] = fmt.Sprintf("%d|%s|%d|%.12g|%.12g", r.Trial, r.Portfolio.Key(), r.Attempts, r.Score, r.Alpha)
	}
	return out
}

func TestSimulateThreeInstruments(t *testing.T) {
	panel, market := marketPanel(t, 252, "AAA", "BBB", "CCC")
	sim, err := New(baseConfig(), WithLogger(quiet))
	require.NoError(t, err)

	res, err := sim.Simulate(context.Background(), panel, nil, &market)
	require.NoError(t, err)

	require.Len(t, res.Records, 100)
	assert.Equal(t, int64(42), res.Seed)
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, res.Universe)
	assert.Equal(t, 100, res.Attempts, "no attempt should be rejected on complete data")
	for i, r := range res.Records {
		assert.Equal(t, i, r.Trial)
		assert.Equal(t, 2, r.Portfolio.Size())
		assert.NotEqual(t, r.Portfolio.Members[0], r.Portfolio.Members[1])
		assert.InDelta(t, 1, r.Portfolio.Weights[0]+r.Portfolio.Weights[1], 1e-9)
		assert.Equal(t, 252, r.Returns.Len())
		require.NotNil(t, r.Risk)
		assert.InDelta(t, r.Risk.TotalVariance, r.Risk.MarketVariance+r.Risk.IdioVariance, 1e-6)
		assert.Equal(t, r.Metrics.Sharpe, r.Score)
		assert.True(t, math.IsNaN(r.Alpha))
	}

	seen := make(map[string]bool)
	for _, r := range res.Records {
		seen[r.Portfolio.Key()] = true
	}
	assert.Len(t, seen, 3, "100 draws of 2 out of 3 should hit every pair")
}

func TestSimulateDeterministic(t *testing.T) {
	panel, market := marketPanel(t, 252, "A", "B", "C", "D", "E", "F")
	cfg := baseConfig()
	cfg.EtfCounts = []int{2, 3, 4}

	run := func(workers int) []string {
		sim, err := New(cfg, WithLogger(quiet), WithWorkers(workers))
		require.NoError(t, err)
		res, err := sim.Simulate(context.Background(), panel, nil, &market)
		require.NoError(t, err)
		return fingerprint(res)
	}

	first := run(1)
	assert.Equal(t, first, run(1), "same seed, same result")
	assert.Equal(t, first, run(4), "worker count must not change the result")

	cfg.Seed = 43
	assert.NotEqual(t, first, run(1), "a different seed should change the draws")
}

func TestSimulateCyclesEtfCounts(t *testing.T) {
	panel, _ := marketPanel(t, 100, "A", "B", "C", "D", "E")
	cfg := baseConfig()
	cfg.NPortfolios = 7
	cfg.EtfCounts = []int{1, 3, 5}
	sim, err := New(cfg, WithLogger(quiet))
	require.NoError(t, err)

	res, err := sim.Simulate(context.Background(), panel, nil, nil)
	require.NoError(t, err)
	sizes := make([]int, len(res.Records))
	for i, r := range res.Records {
		sizes[i] = r.Portfolio.Size()
		assert.Nil(t, r.Risk)
	}
	assert.Equal(t, []int{1, 3, 5, 1, 3, 5, 1}, sizes)
}

func TestSimulateExcludesShortHistory(t *testing.T) {
	panel, market := marketPanel(t, 252, "AAA", "BBB", "CCC", "SHORT")
	col, err := panel.Column("SHORT")
	require.NoError(t, err)
	vals := make([]float64, len(col))
	for i := range vals {
		vals[i] = math.NaN()
	}
	copy(vals[:5], col[:5])
	cols := map[string][]float64{"SHORT": vals}
	for _, id := range []string{"AAA", "BBB", "CCC"} {
		cols[id], _ = panel.Column(id)
	}
	panel, err = returns.NewPanel(panel.Dates(), cols)
	require.NoError(t, err)

	sim, err := New(baseConfig(), WithLogger(quiet))
	require.NoError(t, err)
	res, err := sim.Simulate(context.Background(), panel, nil, &market)
	require.NoError(t, err)

	assert.NotContains(t, res.Universe, "SHORT")
	for _, r := range res.Records {
		assert.False(t, r.Portfolio.Contains("SHORT"))
	}
}

func TestSimulateZeroOverlapMarket(t *testing.T) {
	panel, market := marketPanel(t, 120, "A", "B", "C")
	shifted := make([]time.Time, len(market.Dates))
	for i, d := range market.Dates {
		shifted[i] = d.AddDate(10, 0, 0)
	}
	market.Dates = shifted

	m := metrics.NewMetrics("test")
	sim, err := New(baseConfig(), WithLogger(quiet), WithMetrics(m))
	require.NoError(t, err)
	res, err := sim.Simulate(context.Background(), panel, nil, &market)
	require.NoError(t, err)

	for _, r := range res.Records {
		assert.Nil(t, r.Risk)
		assert.ErrorIs(t, r.FactorErr, xerrors.ErrInsufficientData)
		assert.False(t, math.IsNaN(r.Metrics.AnnReturn))
		assert.True(t, math.IsNaN(r.IdioShare()))
	}
	assert.Equal(t, 100.0, testutil.ToFloat64(m.TrialsTotal.WithLabelValues("accepted")))
}

func TestSimulateWithFactors(t *testing.T) {
	panel, market := marketPanel(t, 252, "A", "B", "C", "D")
	rng := rand.New(rand.NewSource(5))
	smb := make([]float64, len(market.Values))
	for i := range smb {
		smb[i] = rng.NormFloat64() * 0.004
	}
	fs, err := returns.NewFactorSeries(market.Dates, []string{"mktrf", "smb"},
		map[string][]float64{"mktrf": market.Values, "smb": smb})
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.NPortfolios = 20
	cfg.Score = ScoreAlpha
	sim, err := New(cfg, WithLogger(quiet))
	require.NoError(t, err)
	res, err := sim.Simulate(context.Background(), panel, &fs, &market)
	require.NoError(t, err)

	for _, r := range res.Records {
		require.NotNil(t, r.Factor)
		assert.Equal(t, []string{"mktrf", "smb"}, r.Factor.Names)
		assert.InDelta(t, r.Factor.Alpha*252, r.Alpha, 1e-12)
		assert.Equal(t, r.Alpha, r.Score)
	}
}

func TestSimulateDegenerateFactorsExhaust(t *testing.T) {
	panel, market := marketPanel(t, 100, "A", "B", "C")
	flat := make([]float64, len(market.Values))
	fs, err := returns.NewFactorSeries(market.Dates, []string{"flat"}, map[string][]float64{"flat": flat})
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.MaxRetries = 3
	m := metrics.NewMetrics("test")
	sim, err := New(cfg, WithLogger(quiet), WithMetrics(m))
	require.NoError(t, err)

	_, err = sim.Simulate(context.Background(), panel, &fs, nil)
	require.ErrorIs(t, err, xerrors.ErrSimulationExhausted)
	e, ok := xerrors.FromError(err)
	require.True(t, ok)
	assert.Equal(t, 0, e.Context["trial"])
	assert.Equal(t, 4, e.Context["attempts"])
	assert.Contains(t, e.Context, "completed")
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.RejectionsTotal.WithLabelValues(reasonDegenerate)), 4.0)
}

func TestSimulateHistoryExhaust(t *testing.T) {
	// A 只在前半段有值, B 只在后半段有值, 两者联合历史为 0.
	ds := dates(200)
	a := make([]float64, 200)
	b := make([]float64, 200)
	for i := range a {
		if i < 100 {
			a[i], b[i] = 0.001*float64(i%7), math.NaN()
		} else {
			a[i], b[i] = math.NaN(), 0.001*float64(i%5)
		}
	}
	panel, err := returns.NewPanel(ds, map[string][]float64{"A": a, "B": b})
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.MinHistory = 100
	cfg.NPortfolios = 16
	cfg.MaxRetries = 5

	for _, workers := range []int{1, 2, 8} {
		sim, err := New(cfg, WithLogger(quiet), WithWorkers(workers))
		require.NoError(t, err)

		for range 20 {
			_, err = sim.Simulate(context.Background(), panel, nil, nil)
			require.ErrorIs(t, err, xerrors.ErrSimulationExhausted)
			e, _ := xerrors.FromError(err)
			require.Equal(t, 0, e.Context["trial"], "workers=%d: the lowest failing trial is reported", workers)
			assert.Equal(t, 6, e.Context["attempts"])
		}
	}
}

func TestSimulateInvalidInputs(t *testing.T) {
	panel, _ := marketPanel(t, 100, "A", "B", "C")

	cfg := baseConfig()
	cfg.EtfCounts = []int{4}
	sim, err := New(cfg, WithLogger(quiet))
	require.NoError(t, err)
	_, err = sim.Simulate(context.Background(), panel, nil, nil)
	assert.ErrorIs(t, err, xerrors.ErrInvalidPortfolioSize)

	cfg = baseConfig()
	cfg.NPortfolios = 0
	_, err = New(cfg)
	assert.ErrorIs(t, err, xerrors.ErrInvalidConfig)

	cfg = baseConfig()
	cfg.TopPct = 1.5
	_, err = New(cfg)
	assert.ErrorIs(t, err, xerrors.ErrInvalidConfig)
}

func TestSimulateCancelled(t *testing.T) {
	panel, _ := marketPanel(t, 100, "A", "B", "C")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sim, err := New(baseConfig(), WithLogger(quiet))
	require.NoError(t, err)
	_, err = sim.Simulate(ctx, panel, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeriveSeed(t *testing.T) {
	assert.Equal(t, DeriveSeed(42, 3, 1), DeriveSeed(42, 3, 1))
	assert.NotEqual(t, DeriveSeed(42, 3, 1), DeriveSeed(42, 3, 2))
	assert.NotEqual(t, DeriveSeed(42, 3, 0), DeriveSeed(42, 4, 0))
	assert.NotEqual(t, DeriveSeed(42, 0, 0), DeriveSeed(43, 0, 0))
	assert.GreaterOrEqual(t, DeriveSeed(-7, 100, 100), int64(0))
}
