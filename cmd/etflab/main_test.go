package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFixtures 生成 400 个交易日的收益率、因子与元数据文件.
func writeFixtures(t *testing.T) (returnsPath, factorsPath, universePath string) {
	t.Helper()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(1))
	tickers := []string{"SPY", "QQQ", "AGG", "GLD", "VNQ"}
	betas := []float64{1.0, 1.2, 0.1, 0.2, 0.8}

	var ret, fac strings.Builder
	ret.WriteString("date,TICKER,RET,SHRCD\n")
	fac.WriteString("date,Mkt-RF,SMB,HML,RF\n")
	d := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)
	for range 400 {
		for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			d = d.AddDate(0, 0, 1)
		}
		mkt := rng.NormFloat64() * 0.01
		smb := rng.NormFloat64() * 0.005
		hml := rng.NormFloat64() * 0.005
		// 因子文件使用百分比
		fmt.Fprintf(&fac, "%s,%.6f,%.6f,%.6f,0.01\n", d.Format("20060102"), mkt*100, smb*100, hml*100)
		for i, tk := range tickers {
			r := 0.0002 + betas[i]*mkt + rng.NormFloat64()*0.004
			fmt.Fprintf(&ret, "%s,%s,%.6f,73\n", d.Format(time.DateOnly), tk, r)
		}
		fmt.Fprintf(&ret, "%s,AAPL,0.01,11\n", d.Format(time.DateOnly))
		d = d.AddDate(0, 0, 1)
	}

	uni := "TICKER,NAME,AUM,ADV,CATEGORY_TYPE,CATEGORY\n" +
		"SPY,S&P 500,500000,900,asset_class,Equity\n" +
		"QQQ,Nasdaq 100,250000,800,asset_class,Equity\n" +
		"AGG,Core Bond,100000,100,asset_class,Fixed Income\n" +
		"GLD,Gold,60000,200,asset_class,Commodity\n" +
		"VNQ,REIT,30000,50,asset_class,Real Estate\n"

	returnsPath = filepath.Join(dir, "returns.csv")
	factorsPath = filepath.Join(dir, "factors.csv")
	universePath = filepath.Join(dir, "universe.csv")
	require.NoError(t, os.WriteFile(returnsPath, []byte(ret.String()), 0o644))
	require.NoError(t, os.WriteFile(factorsPath, []byte(fac.String()), 0o644))
	require.NoError(t, os.WriteFile(universePath, []byte(uni), 0o644))
	return returnsPath, factorsPath, universePath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSimulateAndListRuns(t *testing.T) {
	returnsPath, factorsPath, universePath := writeFixtures(t)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "runs.db")
	chartPath := filepath.Join(dir, "freq.png")

	out, err := execute(t, "simulate",
		"--returns", returnsPath,
		"--factors", factorsPath,
		"--universe", universePath,
		"--n-portfolios", "40",
		"--etf-counts", "2,3",
		"--min-history", "200",
		"--top-pct", "0.25",
		"--workers", "3",
		"--chart", chartPath,
		"--store", dbPath,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Top tickers in best portfolios")
	assert.Contains(t, out, "ranked by sharpe, top 25.00% = 10 of 40 portfolios")
	assert.Contains(t, out, "Equity")
	assert.NotContains(t, out, "AAPL")

	info, err := os.Stat(chartPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	out, err = execute(t, "runs", "--store", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2,3")
	assert.Contains(t, out, "40")
}

func TestSimulateRejectsBadFlags(t *testing.T) {
	returnsPath, _, _ := writeFixtures(t)

	_, err := execute(t, "simulate", "--returns", returnsPath, "--top-pct", "1.5")
	require.Error(t, err)

	_, err = execute(t, "simulate", "--returns", returnsPath, "--universe", "", "--factors", "",
		"--min-history", "50", "--etf-counts", "9", "--n-portfolios", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid portfolio size")
}

func TestRunsRequiresStore(t *testing.T) {
	_, err := execute(t, "runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store path")
}

func TestOptimize(t *testing.T) {
	returnsPath, factorsPath, _ := writeFixtures(t)

	out, err := execute(t, "optimize",
		"--returns", returnsPath, "--tickers", "SPY,AGG,GLD", "--long-only", "--objective", "max_sharpe")
	require.NoError(t, err)
	assert.Contains(t, out, "Allocation")
	assert.Contains(t, out, "AGG")

	out, err = execute(t, "optimize",
		"--returns", returnsPath, "--factors", factorsPath, "--tickers", "SPY,QQQ,AGG", "--cov", "factor")
	require.NoError(t, err)
	assert.Contains(t, out, "Factor correlation")
	assert.Contains(t, out, "mkt-rf")

	_, err = execute(t, "optimize", "--returns", returnsPath, "--tickers", "SPY,AGG", "--cov", "shrunk")
	assert.Error(t, err)
	_, err = execute(t, "optimize", "--returns", returnsPath, "--tickers", "SPY,AGG", "--objective", "target")
	assert.Error(t, err)
}

func TestHorizons(t *testing.T) {
	returnsPath, _, _ := writeFixtures(t)

	out, err := execute(t, "horizons", "--returns", returnsPath, "--tickers", "SPY,AGG", "--years", "1", "--windows", "20")
	require.NoError(t, err)
	assert.Contains(t, out, "1-year windows")
	assert.Contains(t, out, "AGG, SPY")

	_, err = execute(t, "horizons", "--returns", returnsPath, "--tickers", "NOPE")
	assert.Error(t, err)
}
