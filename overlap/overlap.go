// Package overlap 统计表现最好的一批模拟组合中标的与资产类别的重复出现情况.
package overlap

import (
	"cmp"
	"math"
	"slices"

	"github.com/wyfcoding/etflab/simulation"
	"github.com/wyfcoding/etflab/universe"
	"github.com/wyfcoding/etflab/xerrors"
)

// UnknownClass 资产构成中缺少分类的成员使用的标签.
const UnknownClass = "Unknown"

// Count 频次表中的一行.
type Count struct {
	Key   string  `json:"key"`
	Count int     `json:"count"`
	Freq  float64 `json:"freq"` // Count / 入选组合数
}

// Share 平均资产构成中的一项.
type Share struct {
	Class string  `json:"class"`
	Share float64 `json:"share"`
}

// Stats 一组记录的平均指标, 均值时忽略 NaN.
type Stats struct {
	AnnReturn   float64 `json:"ann_return"`
	AnnVol      float64 `json:"ann_vol"`
	Sharpe      float64 `json:"sharpe"`
	MaxDrawdown float64 `json:"max_dd"`
	IdioShare   float64 `json:"idio_share"`
}

// Summary 全体与入选组合的指标对比.
type Summary struct {
	All Stats `json:"all"`
	Top Stats `json:"top"`
}

// Report 重叠分析结果.
type Report struct {
	Metric       string
	TopPct       float64
	Population   int
	Selected     []simulation.Record
	Instruments  []Count // 按次数降序, 代码升序
	Categories   []Count // 只包含元数据中存在的成员
	Unclassified []Count // 元数据中找不到的成员
	AssetMix     []Share
	Summary      Summary
}

// TopInstruments 返回频次表的前 n 行, 仅用于展示.
func (r *Report) TopInstruments(n int) []Count {
	if n <= 0 || n >= len(r.Instruments) {
		return r.Instruments
	}
	return r.Instruments[:n]
}

// MemberCount 入选组合的成员总数, 等于各频次表计数之和.
func (r *Report) MemberCount() int {
	total := 0
	for _, rec := range r.Selected {
		total += rec.Portfolio.Size()
	}
	return total
}

type options struct {
	metric string
	score  func(simulation.Record) float64
}

// Option 定义分析选项.
type Option func(*options)

// WithMetric 按指定指标排名而不是记录上的 Score.
// 可选 sharpe, alpha, ann_return, diversification.
func WithMetric(name string) Option {
	return func(o *options) {
		o.metric = name
		o.score = metricFunc(name)
	}
}

func metricFunc(name string) func(simulation.Record) float64 {
	switch name {
	case simulation.ScoreSharpe:
		return func(r simulation.Record) float64 { return r.Metrics.Sharpe }
	case simulation.ScoreAlpha:
		return func(r simulation.Record) float64 { return r.Alpha }
	case simulation.ScoreAnnReturn:
		return func(r simulation.Record) float64 { return r.Metrics.AnnReturn }
	case simulation.ScoreDiversification:
		return func(r simulation.Record) float64 { return 1 - r.IdioShare() }
	default:
		return nil
	}
}

// SelectCount 返回 ceil(topPct × n), 至少为 1, 至多为 n.
func SelectCount(topPct float64, n int) int {
	k := int(math.Ceil(topPct*float64(n) - 1e-9))
	return min(max(k, 1), n)
}

// Rank 按评分降序稳定排序, NaN 排在最后; 同分时依次比较组合代码与试验序号.
func Rank(records []simulation.Record, score func(simulation.Record) float64) []simulation.Record {
	ranked := slices.Clone(records)
	slices.SortStableFunc(ranked, func(a, b simulation.Record) int {
		sa, sb := score(a), score(b)
		na, nb := math.IsNaN(sa), math.IsNaN(sb)
		switch {
		case na && !nb:
			return 1
		case !na && nb:
			return -1
		case !na && !nb && sa != sb:
			return cmp.Compare(sb, sa)
		}
		if c := cmp.Compare(a.Portfolio.Key(), b.Portfolio.Key()); c != 0 {
			return c
		}
		return cmp.Compare(a.Trial, b.Trial)
	})
	return ranked
}

// TopOverlap 选出评分最高的 ceil(topPct × N) 个组合, 统计标的频次与分类频次.
// topPct 必须在 (0, 1] 内; meta 可以为空, 此时全部成员计入 Unclassified.
func TopOverlap(res *simulation.Result, meta universe.Lookup, topPct float64, opts ...Option) (*Report, error) {
	if math.IsNaN(topPct) || topPct <= 0 || topPct > 1 {
		return nil, xerrors.Derive(xerrors.ErrInvalidFraction).
			WithDetail("top_pct %v", topPct).
			WithContext("top_pct", topPct)
	}
	if res == nil || len(res.Records) == 0 {
		return nil, xerrors.Derive(xerrors.ErrInsufficientData).WithDetail("simulation result has no records")
	}

	// 默认沿用模拟时的评分指标
	o := &options{metric: res.Config.Score, score: func(r simulation.Record) float64 { return r.Score }}
	if o.metric == "" {
		o.metric = "score"
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.score == nil {
		return nil, xerrors.Derive(xerrors.ErrInvalidConfig).WithDetail("unknown ranking metric %q", o.metric)
	}

	ranked := Rank(res.Records, o.score)
	selected := ranked[:SelectCount(topPct, len(ranked))]

	instruments := make(map[string]int)
	categories := make(map[string]int)
	unclassified := make(map[string]int)
	for _, rec := range selected {
		for _, id := range rec.Portfolio.Members {
			instruments[id]++
			if c, ok := lookup(meta, id); ok && c != "" {
				categories[c]++
			} else {
				unclassified[id]++
			}
		}
	}

	n := float64(len(selected))
	return &Report{
		Metric:       o.metric,
		TopPct:       topPct,
		Population:   len(res.Records),
		Selected:     selected,
		Instruments:  toCounts(instruments, n),
		Categories:   toCounts(categories, n),
		Unclassified: toCounts(unclassified, n),
		AssetMix:     assetMix(selected, meta),
		Summary: Summary{
			All: meanStats(res.Records),
			Top: meanStats(selected),
		},
	}, nil
}

func lookup(meta universe.Lookup, id string) (string, bool) {
	if meta == nil {
		return "", false
	}
	return meta.Category(id)
}

func toCounts(m map[string]int, selected float64) []Count {
	out := make([]Count, 0, len(m))
	for k, c := range m {
		out = append(out, Count{Key: k, Count: c, Freq: float64(c) / selected})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

// assetMix 每个组合内按成员计算类别占比, 再在入选组合间取平均 (缺席类别按 0 计).
func assetMix(selected []simulation.Record, meta universe.Lookup) []Share {
	if meta == nil || len(selected) == 0 {
		return nil
	}
	sums := make(map[string]float64)
	for _, rec := range selected {
		size := float64(rec.Portfolio.Size())
		for _, id := range rec.Portfolio.Members {
			c, ok := meta.Category(id)
			if !ok || c == "" {
				c = UnknownClass
			}
			sums[c] += 1 / size
		}
	}
	out := make([]Share, 0, len(sums))
	for c, s := range sums {
		out = append(out, Share{Class: c, Share: s / float64(len(selected))})
	}
	slices.SortFunc(out, func(a, b Share) int {
		if c := cmp.Compare(b.Share, a.Share); c != 0 {
			return c
		}
		return cmp.Compare(a.Class, b.Class)
	})
	return out
}

func meanStats(records []simulation.Record) Stats {
	pick := func(f func(simulation.Record) float64) float64 {
		var sum float64
		n := 0
		for _, r := range records {
			if v := f(r); !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		if n == 0 {
			return math.NaN()
		}
		return sum / float64(n)
	}
	return Stats{
		AnnReturn:   pick(func(r simulation.Record) float64 { return r.Metrics.AnnReturn }),
		AnnVol:      pick(func(r simulation.Record) float64 { return r.Metrics.AnnVol }),
		Sharpe:      pick(func(r simulation.Record) float64 { return r.Metrics.Sharpe }),
		MaxDrawdown: pick(func(r simulation.Record) float64 { return r.Metrics.MaxDrawdown }),
		IdioShare:   pick(func(r simulation.Record) float64 { return r.IdioShare() }),
	}
}
