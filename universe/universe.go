// Package universe 维护 ETF 元数据并挑选参与模拟的标的.
package universe

import (
	"cmp"
	"math"
	"slices"
	"strings"
)

// AssetClassType 表示资产类别分类维度的 CATEGORY_TYPE 取值.
const AssetClassType = "asset_class"

// Entry 元数据中的一行, 一个标的可以在不同分类维度下出现多次.
type Entry struct {
	Ticker       string
	Name         string
	AUM          float64
	ADV          float64
	CategoryType string // asset_class, sizes, investment_styles 等
	Category     string
	Source       string
	Extra        map[string]string
}

// score 规模与流动性得分, 缺失按 0 计.
func (e Entry) score() float64 {
	var s float64
	for _, v := range []float64{e.AUM, e.ADV} {
		if !math.IsNaN(v) {
			s += v
		}
	}
	return s
}

// Lookup 按代码查询资产类别标签.
type Lookup interface {
	Category(ticker string) (string, bool)
}

// Universe 元数据查询表, 只读.
type Universe struct {
	tickers    map[string]struct{}
	assetClass map[string]string
}

// New 从元数据行构建查询表.
// 只有 CATEGORY_TYPE 为 asset_class 的行参与资产类别查询, 同一标的取第一行.
func New(entries []Entry) *Universe {
	u := &Universe{
		tickers:    make(map[string]struct{}),
		assetClass: make(map[string]string),
	}
	for _, e := range entries {
		if e.Ticker == "" {
			continue
		}
		u.tickers[e.Ticker] = struct{}{}
		if !strings.EqualFold(e.CategoryType, AssetClassType) || e.Category == "" {
			continue
		}
		if _, ok := u.assetClass[e.Ticker]; !ok {
			u.assetClass[e.Ticker] = e.Category
		}
	}
	return u
}

// Category 实现 Lookup, 没有 asset_class 行的标的返回 false.
func (u *Universe) Category(ticker string) (string, bool) {
	c, ok := u.assetClass[ticker]
	return c, ok
}

// HasAssetClasses 元数据中是否存在 asset_class 维度.
func (u *Universe) HasAssetClasses() bool {
	return len(u.assetClass) > 0
}

// Len 不同标的个数.
func (u *Universe) Len() int {
	return len(u.tickers)
}

// SelectTopByCategory 每个分类中按 AUM+ADV 取前 topN 行.
// 所有得分均为 0 时保持输入顺序. 结果按分类升序, 同分类内得分降序.
func SelectTopByCategory(entries []Entry, topN int) []Entry {
	if topN <= 0 {
		return nil
	}
	allZero := true
	for _, e := range entries {
		if e.score() != 0 {
			allZero = false
			break
		}
	}

	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int {
		if c := cmp.Compare(a.Category, b.Category); c != 0 || allZero {
			return c
		}
		return cmp.Compare(b.score(), a.score())
	})

	out := make([]Entry, 0, len(sorted))
	taken := make(map[string]int)
	for _, e := range sorted {
		if taken[e.Category] >= topN {
			continue
		}
		taken[e.Category]++
		out = append(out, e)
	}
	return out
}

// Tickers 按出现顺序返回去重后的非空代码.
func Tickers(entries []Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Ticker == "" {
			continue
		}
		if _, ok := seen[e.Ticker]; ok {
			continue
		}
		seen[e.Ticker] = struct{}{}
		out = append(out, e.Ticker)
	}
	return out
}
