package aggregator

import (
	"sort"

	"voicememo-go/internal/types"
)

type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

type Insight struct {
	Total          int            `json:"total"`
	Completed      int            `json:"completed"`
	BusinessCounts map[string]int `json:"business_counts"`
	TopTags        []TagCount     `json:"top_tags"`
	CompletionRate float64        `json:"completion_rate"`
	// Share of analysed recordings whose analysis did not come from a provider.
	FallbackRate float64 `json:"fallback_rate"`
	DemoRate     float64 `json:"demo_rate"`
}

// TopTagLimit caps Insight.TopTags.
const TopTagLimit = 10

func Aggregate(records []types.Recording) Insight {
	ins := Insight{Total: len(records), BusinessCounts: map[string]int{}}
	tags := map[string]int{}
	analysed, fallback, demo := 0, 0, 0
	for i := range records {
		r := &records[i]
		if r.Status == types.StatusCompleted {
			ins.Completed++
		}
		if r.Analysis == nil {
			continue
		}
		analysed++
		switch r.Analysis.Provenance {
		case types.ProvenanceFallback:
			fallback++
		case types.ProvenanceDemo:
			demo++
		}
		bt := r.Analysis.BusinessType
		if bt == "" {
			bt = types.DefaultBusinessType
		}
		ins.BusinessCounts[bt]++
		for _, tag := range r.Analysis.CustomerProfile {
			if tag != "" && tag != types.NotMentioned {
				tags[tag]++
			}
		}
	}
	if ins.Total > 0 {
		ins.CompletionRate = float64(ins.Completed) / float64(ins.Total)
	}
	if analysed > 0 {
		ins.FallbackRate = float64(fallback) / float64(analysed)
		ins.DemoRate = float64(demo) / float64(analysed)
	}

	for tag, n := range tags {
		ins.TopTags = append(ins.TopTags, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(ins.TopTags, func(i, j int) bool {
		if ins.TopTags[i].Count != ins.TopTags[j].Count {
			return ins.TopTags[i].Count > ins.TopTags[j].Count
		}
		return ins.TopTags[i].Tag < ins.TopTags[j].Tag
	})
	if len(ins.TopTags) > TopTagLimit {
		ins.TopTags = ins.TopTags[:TopTagLimit]
	}
	return ins
}

// Share returns the fraction of analysed recordings in business type bt.
func (ins Insight) Share(bt string) float64 {
	n := 0
	for _, c := range ins.BusinessCounts {
		n += c
	}
	if n == 0 {
		return 0
	}
	return float64(ins.BusinessCounts[bt]) / float64(n)
}
