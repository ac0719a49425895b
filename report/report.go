// Package report 把重叠分析结果渲染为终端表格与 PNG 图表.
package report

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/vicanso/go-charts/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/wyfcoding/etflab/finance"
	"github.com/wyfcoding/etflab/overlap"
	"github.com/wyfcoding/etflab/simulation"
	"github.com/wyfcoding/etflab/store"
	"github.com/wyfcoding/etflab/xerrors"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#20B9B4"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#2C4A54"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func num(v float64, prec int) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// WriteText 输出入选标的频次、分类频次、平均资产构成以及全体/入选指标对比.
func WriteText(w io.Writer, rep *overlap.Report, topN int) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Top tickers in best portfolios"))
	fmt.Fprintf(&b, "%s\n", mutedStyle.Render(fmt.Sprintf(
		"ranked by %s, top %.2f%% = %d of %d portfolios", rep.Metric, rep.TopPct*100, len(rep.Selected), rep.Population)))
	t := newTable("TICKER", "COUNT", "FREQ_TOP")
	for _, c := range rep.TopInstruments(topN) {
		t.Row(c.Key, strconv.Itoa(c.Count), num(c.Freq, 3))
	}
	b.WriteString(t.String() + "\n")

	if len(rep.Categories) > 0 {
		fmt.Fprintf(&b, "%s\n", titleStyle.Render("Categories"))
		t = newTable("CATEGORY", "COUNT", "FREQ_TOP")
		for _, c := range rep.Categories {
			t.Row(c.Key, strconv.Itoa(c.Count), num(c.Freq, 3))
		}
		b.WriteString(t.String() + "\n")
	}
	if len(rep.Unclassified) > 0 {
		keys := make([]string, len(rep.Unclassified))
		for i, c := range rep.Unclassified {
			keys[i] = c.Key
		}
		fmt.Fprintf(&b, "%s %s\n", mutedStyle.Render("Unclassified:"), strings.Join(keys, ", "))
	}

	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Average asset mix"))
	if len(rep.AssetMix) == 0 {
		b.WriteString(mutedStyle.Render("(asset mix unavailable; missing CATEGORY_TYPE/asset_class in universe)") + "\n")
	} else {
		t = newTable("CLASS", "SHARE")
		for _, s := range rep.AssetMix {
			t.Row(s.Class, num(s.Share, 3))
		}
		b.WriteString(t.String() + "\n")
	}

	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Summary (all vs top)"))
	t = newTable("METRIC", "ALL", "TOP")
	all, top := rep.Summary.All, rep.Summary.Top
	t.Row("ann_return", num(all.AnnReturn, 4), num(top.AnnReturn, 4))
	t.Row("ann_vol", num(all.AnnVol, 4), num(top.AnnVol, 4))
	t.Row("sharpe", num(all.Sharpe, 4), num(top.Sharpe, 4))
	t.Row("max_dd", num(all.MaxDrawdown, 4), num(top.MaxDrawdown, 4))
	t.Row("idio_share", num(all.IdioShare, 4), num(top.IdioShare, 4))
	b.WriteString(t.String() + "\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteRuns 以表格列出已保存的运行.
func WriteRuns(w io.Writer, runs []store.Run) error {
	if len(runs) == 0 {
		_, err := io.WriteString(w, mutedStyle.Render("no stored runs")+"\n")
		return err
	}
	t := newTable("ID", "CREATED", "SEED", "N", "ETF_COUNTS", "TOP_PCT", "SCORE", "SELECTED", "ATTEMPTS", "TOP_SHARPE")
	for _, r := range runs {
		counts := make([]string, len(r.EtfCounts))
		for i, c := range r.EtfCounts {
			counts[i] = strconv.Itoa(c)
		}
		t.Row(
			r.ID,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.FormatInt(r.Seed, 10),
			strconv.Itoa(r.NPortfolios),
			strings.Join(counts, ","),
			num(r.TopPct, 3),
			r.Score,
			strconv.Itoa(r.Selected),
			strconv.Itoa(r.Attempts),
			num(r.TopSharpe, 3),
		)
	}
	_, err := io.WriteString(w, t.String()+"\n")
	return err
}

// WriteAllocation 输出优化得到的权重表及事前指标.
func WriteAllocation(w io.Writer, plan *finance.Plan, riskFree float64) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Allocation"))
	alloc := finance.Allocation(plan.IDs, plan.Weights)
	t := newTable("TICKER", "WEIGHT")
	for _, id := range plan.IDs {
		t.Row(id, alloc[id].StringFixed(4))
	}
	b.WriteString(t.String() + "\n")
	fmt.Fprintf(&b, "%s\n", mutedStyle.Render(fmt.Sprintf("expected return %s, volatility %s, sharpe %s",
		num(plan.ExpectedReturn, 4), num(plan.Volatility, 4), num(plan.Sharpe(riskFree), 3))))
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteCorrelation 以方阵形式输出因子相关系数.
func WriteCorrelation(w io.Writer, names []string, corr mat.Symmetric) error {
	if corr == nil || len(names) == 0 {
		return nil
	}
	t := newTable(append([]string{""}, names...)...)
	for i, name := range names {
		row := make([]string, 0, len(names)+1)
		row = append(row, name)
		for j := range names {
			row = append(row, num(corr.At(i, j), 2))
		}
		t.Row(row...)
	}
	_, err := io.WriteString(w, titleStyle.Render("Factor correlation")+"\n"+t.String()+"\n")
	return err
}

// WriteHorizons 输出固定组合在随机区间上的表现分布.
func WriteHorizons(w io.Writer, members []string, years int, s simulation.HorizonSummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render(fmt.Sprintf("%d-year windows", years)))
	fmt.Fprintf(&b, "%s\n", mutedStyle.Render("portfolio: "+strings.Join(members, ", ")))
	t := newTable("STAT", "VALUE")
	t.Row("windows", strconv.Itoa(s.Windows))
	t.Row("mean ann_return", num(s.MeanReturn, 4))
	t.Row("median ann_return", num(s.MedianReturn, 4))
	t.Row("mean ann_vol", num(s.MeanVol, 4))
	t.Row("mean sharpe", num(s.MeanSharpe, 3))
	t.Row("worst max_dd", num(s.WorstDrawdown, 4))
	t.Row("positive share", num(s.PositiveShare, 3))
	b.WriteString(t.String() + "\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// FrequencyChart 把前 topN 个标的的入选频次画成柱状图, 返回 PNG 字节.
func FrequencyChart(rep *overlap.Report, topN int) ([]byte, error) {
	counts := rep.TopInstruments(topN)
	if len(counts) == 0 {
		return nil, xerrors.Derive(xerrors.ErrEmptyData).WithDetail("no instruments to chart")
	}
	labels := make([]string, len(counts))
	values := make([]float64, len(counts))
	for i, c := range counts {
		labels[i] = c.Key
		values[i] = float64(c.Count)
	}

	painter, err := charts.BarRender(
		[][]float64{values},
		charts.TitleTextOptionFunc("Top tickers in best portfolios",
			fmt.Sprintf("%s • top %d of %d", rep.Metric, len(rep.Selected), rep.Population)),
		charts.XAxisOptionFunc(charts.XAxisOption{Data: labels}),
		charts.ThemeOptionFunc(charts.ThemeLight),
	)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInternal, "render frequency chart")
	}
	buf, err := painter.Bytes()
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInternal, "encode frequency chart")
	}
	return buf, nil
}

// WriteChart 渲染频次图并写入文件.
func WriteChart(path string, rep *overlap.Report, topN int) error {
	buf, err := FrequencyChart(rep, topN)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return xerrors.Wrap(err, xerrors.ErrInternal, "write chart").WithContext("path", path)
	}
	return nil
}
