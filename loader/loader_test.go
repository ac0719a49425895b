package loader

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/etflab/xerrors"
)

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{"2024-03-05", "20240305", "2024/03/05", "03/05/2024", " 2024-03-05 "} {
		got, err := ParseDate(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), s)
	}
	_, err := ParseDate("March 5th")
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestReadReturns(t *testing.T) {
	in := "\ufeffdate,TICKER,RET,SHRCD\n" +
		"2024-01-03,SPY,0.01,73\n" +
		"2024-01-02,SPY,-0.02,73\n" +
		"2024-01-02,AAPL,0.03,11\n" +
		"2024-01-02,AGG,C,73\n" +
		"2024-01-03,,0.01,73\n"

	obs, err := ReadReturns(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.Equal(t, "SPY", obs[0].Ticker)
	assert.Equal(t, -0.02, obs[0].Return)
	assert.Equal(t, "AGG", obs[1].Ticker)
	assert.True(t, math.IsNaN(obs[1].Return), "non-numeric RET becomes NaN")
	assert.Equal(t, 0.01, obs[2].Return)
	for _, o := range obs {
		assert.NotEqual(t, "AAPL", o.Ticker)
	}
}

func TestReadReturnsWithoutShareCode(t *testing.T) {
	obs, err := ReadReturns(strings.NewReader("Date,Ticker,Ret\n20240102,QQQ,0.5%\n"))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 0.5, obs[0].Return)
}

func TestReadReturnsErrors(t *testing.T) {
	_, err := ReadReturns(strings.NewReader("date,TICKER\n2024-01-02,SPY\n"))
	assert.ErrorIs(t, err, xerrors.ErrUnknownColumn)

	_, err = ReadReturns(strings.NewReader(""))
	assert.ErrorIs(t, err, xerrors.ErrEmptyData)

	_, err = ReadReturns(strings.NewReader("date,TICKER,RET\nyesterday,SPY,0.1\n"))
	require.ErrorIs(t, err, xerrors.ErrInvalidInput)
	e, ok := xerrors.FromError(err)
	require.True(t, ok)
	assert.Equal(t, 2, e.Context["line"])
}

func TestReadFactors(t *testing.T) {
	in := "Date,Mkt-RF,SMB,RF\n" +
		"2024-01-03,1.5,-0.5,0.02\n" +
		"2024-01-02,2.0,0.5,0.02\n" +
		"2024-01-03,-1.0,1.0,0.02\n"

	fs, err := ReadFactors(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"mkt-rf", "smb"}, fs.Names, "rf is not a regression factor")
	require.Len(t, fs.Dates, 2)
	assert.True(t, fs.Dates[0].Before(fs.Dates[1]))
	// 百分比输入被换算为小数, 重复日期保留最后一行.
	assert.InDeltaSlice(t, []float64{0.02, -0.01}, fs.Values["mkt-rf"], 1e-12)
	assert.InDeltaSlice(t, []float64{0.0002, 0.0002}, fs.Values["rf"], 1e-12)

	m, err := MarketSeries(fs, "MKT-RF")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	_, err = MarketSeries(fs, "mktrf")
	assert.ErrorIs(t, err, xerrors.ErrUnknownColumn)

	_, err = ReadFactors(strings.NewReader("when,mkt\n2024-01-02,1\n"))
	assert.ErrorIs(t, err, xerrors.ErrUnknownColumn)
}

func TestReadFactorsDecimalInput(t *testing.T) {
	fs, err := ReadFactors(strings.NewReader("date,mktrf\n2024-01-02,0.012\n2024-01-03,-0.004\n"))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.012, -0.004}, fs.Values["mktrf"])
}

func TestReadUniverse(t *testing.T) {
	in := "ticker,name,aum,adv,category_type,category,source,expense_ratio\n" +
		"SPY,SPDR S&P 500,\"$500,000\",1000,asset_class,Equity,etfdb,0.09\n" +
		"AGG,iShares Core,n/a,,asset_class,Fixed Income,etfdb,\n"

	entries, err := ReadUniverse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 500000.0, entries[0].AUM)
	assert.Equal(t, "asset_class", entries[0].CategoryType)
	assert.Equal(t, map[string]string{"EXPENSE_RATIO": "0.09"}, entries[0].Extra)
	assert.Equal(t, 0.0, entries[1].AUM, "missing AUM counts as zero")
	assert.Nil(t, entries[1].Extra)

	_, err = ReadUniverse(strings.NewReader("ticker,name\nSPY,x\n"))
	require.ErrorIs(t, err, xerrors.ErrUnknownColumn)
	e, _ := xerrors.FromError(err)
	assert.Equal(t, []string{"CATEGORY"}, e.Context["missing"])
}

func TestLoadFromFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "returns.csv")
	require.NoError(t, os.WriteFile(path, []byte("date,TICKER,RET\n2024-01-02,SPY,0.01\n"), 0o644))

	obs, err := LoadReturns(path)
	require.NoError(t, err)
	assert.Len(t, obs, 1)

	_, err = LoadReturns(filepath.Join(dir, "missing.csv"))
	require.Error(t, err)
	e, ok := xerrors.FromError(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.ErrNotFound, e.Type)

	_, err = LoadFactors(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
	_, err = LoadUniverse(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}
