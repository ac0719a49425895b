package report

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/wyfcoding/etflab/finance"
	"github.com/wyfcoding/etflab/overlap"
	"github.com/wyfcoding/etflab/portfolio"
	"github.com/wyfcoding/etflab/simulation"
	"github.com/wyfcoding/etflab/store"
	"github.com/wyfcoding/etflab/universe"
	"github.com/wyfcoding/etflab/xerrors"
)

func sampleReport(t *testing.T, meta universe.Lookup) *overlap.Report {
	t.Helper()
	recs := []simulation.Record{
		{Trial: 0, Portfolio: portfolio.New([]string{"SPY", "AGG"}), Score: 2, Alpha: math.NaN(),
			Metrics: finance.Metrics{AnnReturn: 0.08, AnnVol: 0.1, Sharpe: 2, MaxDrawdown: -0.05}},
		{Trial: 1, Portfolio: portfolio.New([]string{"SPY", "GLD"}), Score: 1, Alpha: math.NaN(),
			Metrics: finance.Metrics{AnnReturn: 0.05, AnnVol: 0.12, Sharpe: 1, MaxDrawdown: -0.1}},
	}
	rep, err := overlap.TopOverlap(&simulation.Result{Records: recs}, meta, 1.0)
	require.NoError(t, err)
	return rep
}

func TestWriteText(t *testing.T) {
	meta := universe.New([]universe.Entry{
		{Ticker: "SPY", CategoryType: universe.AssetClassType, Category: "Equity"},
		{Ticker: "AGG", CategoryType: universe.AssetClassType, Category: "Fixed Income"},
	})
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, sampleReport(t, meta), 10))

	out := buf.String()
	for _, want := range []string{
		"Top tickers in best portfolios", "SPY", "FREQ_TOP",
		"Categories", "Equity", "Fixed Income",
		"Unclassified:", "GLD",
		"Average asset mix", "Unknown",
		"Summary (all vs top)", "sharpe", "idio_share", "NaN",
	} {
		assert.Contains(t, out, want)
	}
}

func TestWriteTextWithoutMetadata(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, sampleReport(t, nil), 1))
	out := buf.String()
	assert.Contains(t, out, "asset mix unavailable")
	assert.NotContains(t, out, "CATEGORY ")
}

func TestFrequencyChart(t *testing.T) {
	rep := sampleReport(t, nil)
	png, err := FrequencyChart(rep, 5)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	path := filepath.Join(t.TempDir(), "freq.png")
	require.NoError(t, WriteChart(path, rep, 5))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	_, err = FrequencyChart(&overlap.Report{}, 5)
	assert.ErrorIs(t, err, xerrors.ErrEmptyData)
}

func TestWriteRuns(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRuns(&buf, nil))
	assert.Contains(t, buf.String(), "no stored runs")

	buf.Reset()
	require.NoError(t, WriteRuns(&buf, []store.Run{{
		ID: "run-1", CreatedAt: time.Now(), Seed: 42, NPortfolios: 300, EtfCounts: []int{5, 10},
		TopPct: 0.05, Score: "score", Selected: 15, Attempts: 312, TopSharpe: math.NaN(),
	}}))
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "5,10")
	assert.Contains(t, out, "312")
}

func TestWriteAllocation(t *testing.T) {
	plan := &finance.Plan{IDs: []string{"AGG", "SPY"}, Weights: []float64{0.6, 0.4}, ExpectedReturn: 0.05, Volatility: 0.08}
	var buf bytes.Buffer
	require.NoError(t, WriteAllocation(&buf, plan, 0.01))
	out := buf.String()
	assert.Contains(t, out, "0.6000")
	assert.Contains(t, out, "0.4000")
	assert.Contains(t, out, "sharpe 0.500")
}

func TestWriteCorrelationAndHorizons(t *testing.T) {
	var buf bytes.Buffer
	corr := mat.NewSymDense(2, []float64{1, 0.25, 0.25, 1})
	require.NoError(t, WriteCorrelation(&buf, []string{"mktrf", "smb"}, corr))
	assert.Contains(t, buf.String(), "0.25")
	assert.Contains(t, buf.String(), "smb")

	buf.Reset()
	require.NoError(t, WriteCorrelation(&buf, nil, nil))
	assert.Empty(t, buf.String())

	require.NoError(t, WriteHorizons(&buf, []string{"AGG", "SPY"}, 3, simulation.HorizonSummary{
		Windows: 10, MeanReturn: 0.07, MedianReturn: 0.06, MeanVol: 0.1, MeanSharpe: 0.7, WorstDrawdown: -0.2, PositiveShare: 0.9,
	}))
	out := buf.String()
	assert.Contains(t, out, "3-year windows")
	assert.Contains(t, out, "AGG, SPY")
	assert.True(t, strings.Contains(out, "0.900"))
}
