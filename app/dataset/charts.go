package dataset

import (
	"fmt"
	"sort"
)

const (
	barTopCategories     = 15
	pieTopCategories     = 8
	stackedTopCategories = 10
	stackedMaxSeries     = 3
	unavailableSuffix    = " (Data not available)"
)

// Chart is an ECharts option object with a title
type Chart struct {
	Title  string         `json:"title"`
	Config map[string]any `json:"config"`
}

// DefaultCharts builds the fallback charts: totals bar by category, category share pie and a
// stacked comparison of numeric columns. Charts without suitable columns keep their layout with
// empty data and a "(Data not available)" title.
func DefaultCharts(f *Frame) []Chart {
	var cat, num string
	if cats := f.CategoricalColumns(); len(cats) > 0 {
		cat = cats[0]
	}
	nums := f.NumericColumns()
	if len(nums) > 0 {
		num = nums[0]
	}
	if len(nums) > stackedMaxSeries {
		nums = nums[:stackedMaxSeries]
	}
	return []Chart{barChart(f, cat, num), pieChart(f, cat), stackedChart(f, cat, nums)}
}

func barChart(f *Frame, cat, num string) Chart {
	title := "Totals by category"
	var labels []string
	var values []float64
	if cat != "" && num != "" {
		title = fmt.Sprintf("Total %s by %s", num, cat)
		totals := f.totalsBy(cat, []string{num})
		sortByTotal(totals)
		if len(totals) > barTopCategories {
			totals = totals[:barTopCategories]
		}
		for _, t := range totals {
			labels = append(labels, t.key)
			values = append(values, t.sums[0])
		}
	} else {
		title += unavailableSuffix
	}
	return Chart{Title: title, Config: map[string]any{
		"title":   map[string]any{"text": title},
		"tooltip": map[string]any{"trigger": "axis"},
		"xAxis":   map[string]any{"type": "category", "data": nonNil(labels), "axisLabel": map[string]any{"rotate": 45}},
		"yAxis":   map[string]any{"type": "value"},
		"series":  []any{map[string]any{"name": num, "type": "bar", "data": nonNil(values)}},
	}}
}

func pieChart(f *Frame, cat string) Chart {
	title := "Category distribution"
	data := []map[string]any{}
	if cat != "" {
		title = fmt.Sprintf("Distribution of %s", cat)
		vals, _ := f.Column(cat)
		counts := ValueCounts(vals)
		other := 0
		for i, c := range counts {
			if i < pieTopCategories {
				data = append(data, map[string]any{"name": c.Value, "value": c.Count})
				continue
			}
			other += c.Count
		}
		if other > 0 {
			data = append(data, map[string]any{"name": "Other Categories", "value": other})
		}
	} else {
		title += unavailableSuffix
	}
	return Chart{Title: title, Config: map[string]any{
		"title":   map[string]any{"text": title},
		"tooltip": map[string]any{"trigger": "item"},
		"legend":  map[string]any{"orient": "vertical", "left": "left"},
		"series":  []any{map[string]any{"name": cat, "type": "pie", "radius": "50%", "data": data}},
	}}
}

func stackedChart(f *Frame, cat string, nums []string) Chart {
	title := "Comparison by category"
	var labels []string
	series := []any{}
	if cat != "" && len(nums) > 0 {
		title = fmt.Sprintf("Comparison by %s", cat)
		totals := f.totalsBy(cat, nums)
		sortByTotal(totals)
		if len(totals) > stackedTopCategories {
			totals = totals[:stackedTopCategories]
		}
		for _, t := range totals {
			labels = append(labels, t.key)
		}
		for i, n := range nums {
			values := make([]float64, 0, len(totals))
			for _, t := range totals {
				values = append(values, t.sums[i])
			}
			series = append(series, map[string]any{"name": n, "type": "bar", "stack": "total", "data": values})
		}
	} else {
		title += unavailableSuffix
		series = append(series, map[string]any{"type": "bar", "stack": "total", "data": []float64{}})
	}
	return Chart{Title: title, Config: map[string]any{
		"title":   map[string]any{"text": title},
		"tooltip": map[string]any{"trigger": "axis", "axisPointer": map[string]any{"type": "shadow"}},
		"legend":  map[string]any{},
		"xAxis":   map[string]any{"type": "category", "data": nonNil(labels)},
		"yAxis":   map[string]any{"type": "value"},
		"series":  series,
	}}
}

type groupTotal struct {
	key  string
	sums []float64
}

// totalsBy sums numeric columns grouped by the categorical column, in first-seen order
func (f *Frame) totalsBy(cat string, nums []string) []groupTotal {
	ci := f.index(cat)
	idx := make([]int, len(nums))
	for i, n := range nums {
		idx[i] = f.index(n)
	}

	pos := map[string]int{}
	var res []groupTotal
	for _, row := range f.Rows {
		key := row[ci]
		if key == "" {
			continue
		}
		p, ok := pos[key]
		if !ok {
			p = len(res)
			pos[key] = p
			res = append(res, groupTotal{key: key, sums: make([]float64, len(nums))})
		}
		for i, ni := range idx {
			if v, ok := parseNumber(row[ni]); ok {
				res[p].sums[i] += v
			}
		}
	}
	return res
}

func sortByTotal(totals []groupTotal) {
	sort.SliceStable(totals, func(i, j int) bool {
		var a, b float64
		for _, v := range totals[i].sums {
			a += v
		}
		for _, v := range totals[j].sums {
			b += v
		}
		return a > b
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
