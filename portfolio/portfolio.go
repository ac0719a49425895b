// Package portfolio 定义组合、权重方案以及从合格标的池中随机抽样的采样器.
package portfolio

import (
	"math"
	"math/rand"
	"slices"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/wyfcoding/etflab/returns"
	"github.com/wyfcoding/etflab/xerrors"
)

// Portfolio 一组不重复的标的及其权重, Members 保持字典序.
type Portfolio struct {
	Members []string  `json:"members"`
	Weights []float64 `json:"weights"`
}

// Key 以逗号连接的成员列表作为组合身份.
func (p Portfolio) Key() string {
	return strings.Join(p.Members, ",")
}

// Size 成员个数.
func (p Portfolio) Size() int {
	return len(p.Members)
}

// Contains 判断标的是否在组合中.
func (p Portfolio) Contains(id string) bool {
	_, ok := slices.BinarySearch(p.Members, id)
	return ok
}

// New 以给定成员构建等权组合, 成员去重并排序.
func New(members []string) Portfolio {
	m := slices.Clone(members)
	slices.Sort(m)
	m = slices.Compact(m)
	return Portfolio{Members: m, Weights: equalWeights(len(m))}
}

// Sample 从 universe 中无放回均匀抽取 count 个标的, 并赋予等权重.
// universe 应已按 min_history 过滤; rng 由调用方注入以保证可复现.
func Sample(universe []string, count int, rng *rand.Rand) (Portfolio, error) {
	if count <= 0 || count > len(universe) {
		return Portfolio{}, xerrors.Derive(xerrors.ErrInvalidPortfolioSize).
			WithDetail("count %d, universe size %d", count, len(universe)).
			WithContext("count", count).
			WithContext("universe", len(universe))
	}

	// 部分 Fisher-Yates, 只打乱前 count 个位置.
	pool := slices.Clone(universe)
	for i := range count {
		j := i + rng.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	members := pool[:count:count]
	slices.Sort(members)
	return Portfolio{Members: members, Weights: equalWeights(count)}, nil
}

// Returns 计算组合在每个日期上的加权收益.
// 任一成员缺失的日期整体剔除.
func (p Portfolio) Returns(panel *returns.Panel) (returns.Series, error) {
	cols := make([][]float64, len(p.Members))
	for i, id := range p.Members {
		col, err := panel.Column(id)
		if err != nil {
			return returns.Series{}, err
		}
		cols[i] = col
	}

	dates := panel.Dates()
	out := returns.Series{
		Dates:  make([]time.Time, 0, len(dates)),
		Values: make([]float64, 0, len(dates)),
	}
	for t, d := range dates {
		var sum float64
		ok := true
		for i, col := range cols {
			v := col[t]
			if math.IsNaN(v) {
				ok = false
				break
			}
			sum += p.Weights[i] * v
		}
		if ok {
			out.Dates = append(out.Dates, d)
			out.Values = append(out.Values, sum)
		}
	}
	return out, nil
}

// Weighting 组合权重方案.
type Weighting string

const (
	EqualWeight       Weighting = "equal"
	InverseVolatility Weighting = "inverse_vol"
)

// Reweight 按方案重新计算权重, 结果总和为 1.
// 逆波动率使用每个成员自身的全部有效观测; 任一成员波动率为 0 时退化为等权.
func (w Weighting) Reweight(p Portfolio, panel *returns.Panel) (Portfolio, error) {
	switch w {
	case "", EqualWeight:
		return Portfolio{Members: p.Members, Weights: equalWeights(len(p.Members))}, nil
	case InverseVolatility:
		inv := make([]float64, len(p.Members))
		var total float64
		for i, id := range p.Members {
			col, err := panel.Column(id)
			if err != nil {
				return Portfolio{}, err
			}
			sd := math.Sqrt(stat.PopVariance(dropNaN(col), nil))
			if sd == 0 || math.IsNaN(sd) {
				return Portfolio{Members: p.Members, Weights: equalWeights(len(p.Members))}, nil
			}
			inv[i] = 1 / sd
			total += inv[i]
		}
		for i := range inv {
			inv[i] /= total
		}
		return Portfolio{Members: p.Members, Weights: inv}, nil
	default:
		return Portfolio{}, xerrors.Derive(xerrors.ErrInvalidConfig).WithDetail("unknown weighting %q", string(w))
	}
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

func dropNaN(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
