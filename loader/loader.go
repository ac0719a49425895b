// Package loader 从 CSV 文件读取收益率长表、因子表与 ETF 元数据.
package loader

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/wyfcoding/etflab/factor"
	"github.com/wyfcoding/etflab/returns"
	"github.com/wyfcoding/etflab/universe"
	"github.com/wyfcoding/etflab/xerrors"
)

// ETFShareCode CRSP 中 ETF 的 SHRCD.
const ETFShareCode = 73

// RiskFreeColumn 因子表中的无风险利率列, 不参与回归.
const RiskFreeColumn = "rf"

var dateLayouts = []string{time.DateOnly, "20060102", "2006/01/02", "01/02/2006"}

// ParseDate 依次尝试支持的日期格式.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, xerrors.Derive(xerrors.ErrInvalidInput).WithDetail("unrecognized date %q", s)
}

// parseNumber 解析数值, 允许 $ , % 等修饰; 无法解析时返回 NaN.
func parseNumber(s string) float64 {
	s = strings.NewReplacer(",", "", "$", "", "%", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func openCSV(path string) (*os.File, *csv.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, xerrors.Wrap(err, xerrors.ErrNotFound, "open data file").WithContext("path", path)
	}
	return f, newReader(f), nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return cr
}

// header 把表头按 normalize 规范化后映射到列号.
func header(cr *csv.Reader, normalize func(string) string) (map[string]int, []string, error) {
	row, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, xerrors.Derive(xerrors.ErrEmptyData).WithDetail("csv has no header")
		}
		return nil, nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "read csv header")
	}
	names := make([]string, len(row))
	idx := make(map[string]int, len(row))
	for i, h := range row {
		names[i] = normalize(strings.TrimPrefix(strings.TrimSpace(h), "\ufeff"))
		if _, dup := idx[names[i]]; !dup {
			idx[names[i]] = i
		}
	}
	return idx, names, nil
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// LoadReturns 读取收益率长表文件.
func LoadReturns(path string) ([]returns.Observation, error) {
	f, cr, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readReturns(cr)
}

// ReadReturns 读取 date,TICKER,RET[,SHRCD] 长表.
// 存在 SHRCD 列时只保留 ETF 份额; RET 无法解析时记为 NaN; 结果按日期升序.
func ReadReturns(r io.Reader) ([]returns.Observation, error) {
	return readReturns(newReader(r))
}

func readReturns(cr *csv.Reader) ([]returns.Observation, error) {
	idx, _, err := header(cr, strings.ToUpper)
	if err != nil {
		return nil, err
	}
	for _, col := range []string{"DATE", "TICKER", "RET"} {
		if _, ok := idx[col]; !ok {
			return nil, xerrors.Derive(xerrors.ErrUnknownColumn).WithDetail("returns file missing column %s", col)
		}
	}
	shrcd, hasShrcd := idx["SHRCD"]

	var out []returns.Observation
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "read returns row").WithContext("line", line)
		}
		if hasShrcd {
			if code, err := strconv.Atoi(field(row, shrcd)); err != nil || code != ETFShareCode {
				continue
			}
		}
		ticker := field(row, idx["TICKER"])
		if ticker == "" {
			continue
		}
		d, err := ParseDate(field(row, idx["DATE"]))
		if err != nil {
			return nil, withLine(err, line)
		}
		out = append(out, returns.Observation{Date: d, Ticker: ticker, Return: parseNumber(field(row, idx["RET"]))})
	}
	slices.SortStableFunc(out, func(a, b returns.Observation) int { return a.Date.Compare(b.Date) })
	return out, nil
}

// LoadFactors 读取因子文件.
func LoadFactors(path string) (returns.FactorSeries, error) {
	f, cr, err := openCSV(path)
	if err != nil {
		return returns.FactorSeries{}, err
	}
	defer f.Close()
	return readFactors(cr)
}

// ReadFactors 读取 date + 数值列的因子表.
// 列名转为小写, rf 保留在 Values 中但不作为回归因子; 百分比输入自动换算为小数.
// 同一日期出现多次时保留最后一行.
func ReadFactors(r io.Reader) (returns.FactorSeries, error) {
	return readFactors(newReader(r))
}

func readFactors(cr *csv.Reader) (returns.FactorSeries, error) {
	idx, names, err := header(cr, strings.ToLower)
	if err != nil {
		return returns.FactorSeries{}, err
	}
	dateCol, ok := idx["date"]
	if !ok {
		return returns.FactorSeries{}, xerrors.Derive(xerrors.ErrUnknownColumn).WithDetail("factors file must include a date column")
	}

	type row struct {
		date time.Time
		vals []float64
	}
	var rows []row
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return returns.FactorSeries{}, xerrors.Wrap(err, xerrors.ErrInvalidArg, "read factors row").WithContext("line", line)
		}
		d, err := ParseDate(field(rec, dateCol))
		if err != nil {
			return returns.FactorSeries{}, withLine(err, line)
		}
		vals := make([]float64, len(names))
		for i := range names {
			vals[i] = parseNumber(field(rec, i))
		}
		rows = append(rows, row{date: d, vals: vals})
	}
	slices.SortStableFunc(rows, func(a, b row) int { return a.date.Compare(b.date) })
	// 相邻同日期只保留最后一行.
	dedup := rows[:0]
	for _, r := range rows {
		if n := len(dedup); n > 0 && dedup[n-1].date.Equal(r.date) {
			dedup[n-1] = r
			continue
		}
		dedup = append(dedup, r)
	}

	dates := make([]time.Time, len(dedup))
	values := make(map[string][]float64)
	var factorNames []string
	for i, name := range names {
		if i == dateCol || name == "" {
			continue
		}
		if _, seen := values[name]; seen {
			continue
		}
		col := make([]float64, len(dedup))
		for t, r := range dedup {
			col[t] = r.vals[i]
		}
		values[name] = col
		if name != RiskFreeColumn {
			factorNames = append(factorNames, name)
		}
	}
	for t, r := range dedup {
		dates[t] = r.date
	}

	fs, err := returns.NewFactorSeries(dates, factorNames, values)
	if err != nil {
		return returns.FactorSeries{}, err
	}
	return factor.ScaleFactors(fs), nil
}

// MarketSeries 从因子表中取出市场因子.
func MarketSeries(f returns.FactorSeries, column string) (returns.Series, error) {
	return f.Column(strings.ToLower(column))
}

// LoadUniverse 读取 ETF 元数据文件.
func LoadUniverse(path string) ([]universe.Entry, error) {
	f, cr, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readUniverse(cr)
}

// ReadUniverse 读取元数据表, 表头转为大写, 必须包含 TICKER 与 CATEGORY.
func ReadUniverse(r io.Reader) ([]universe.Entry, error) {
	return readUniverse(newReader(r))
}

func readUniverse(cr *csv.Reader) ([]universe.Entry, error) {
	idx, names, err := header(cr, strings.ToUpper)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, col := range []string{"TICKER", "CATEGORY"} {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, xerrors.Derive(xerrors.ErrUnknownColumn).
			WithDetail("universe missing columns %v", missing).
			WithContext("missing", missing)
	}
	col := func(name string) int {
		if i, ok := idx[name]; ok {
			return i
		}
		return -1
	}
	known := map[string]bool{"TICKER": true, "NAME": true, "AUM": true, "ADV": true, "CATEGORY_TYPE": true, "CATEGORY": true, "SOURCE": true}

	var out []universe.Entry
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "read universe row").WithContext("line", line)
		}
		e := universe.Entry{
			Ticker:       field(row, col("TICKER")),
			Name:         field(row, col("NAME")),
			AUM:          zeroNaN(parseNumber(field(row, col("AUM")))),
			ADV:          zeroNaN(parseNumber(field(row, col("ADV")))),
			CategoryType: field(row, col("CATEGORY_TYPE")),
			Category:     field(row, col("CATEGORY")),
			Source:       field(row, col("SOURCE")),
		}
		for i, name := range names {
			if known[name] || name == "" {
				continue
			}
			if v := field(row, i); v != "" {
				if e.Extra == nil {
					e.Extra = make(map[string]string)
				}
				e.Extra[name] = v
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func withLine(err error, line int) error {
	if e, ok := xerrors.FromError(err); ok {
		return e.WithContext("line", line)
	}
	return err
}

func zeroNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
