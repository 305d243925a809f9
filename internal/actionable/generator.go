package actionable

import (
	"fmt"
	"sort"

	"voicememo-go/internal/aggregator"
)

type ActionCard struct {
	Insight string `json:"insight"`
	Action  string `json:"action"`
	Impact  string `json:"impact"`
}

// Thresholds for the coaching rules, checked in this order.
const (
	FallbackThreshold      = 0.5
	FailureReviewThreshold = 0.35
)

func Generate(ins aggregator.Insight) ActionCard {
	if len(ins.BusinessCounts) == 0 {
		return ActionCard{
			Insight: "暂无可分析的录音",
			Action:  "录制并上传拜访录音以积累数据",
			Impact:  "暂无",
		}
	}
	if ins.FallbackRate >= FallbackThreshold {
		return ActionCard{
			Insight: fmt.Sprintf("%.0f%% 的分析结果来自备用数据", ins.FallbackRate*100),
			Action:  "检查 LLM 网关地址与 API Key 配置，确认中转服务可用",
			Impact:  "恢复真实分析，避免占位结果进入多维表格",
		}
	}
	if share := ins.Share("失败复盘"); share >= FailureReviewThreshold {
		return ActionCard{
			Insight: fmt.Sprintf("失败复盘占比 %.0f%%", share*100),
			Action:  "组织信任建立专题演练：先了解客户需求，再介绍产品",
			Impact:  "降低因急于推销导致的客户流失",
		}
	}

	top := topPractice(ins.BusinessCounts)
	card := ActionCard{
		Insight: fmt.Sprintf("最常见的业务类别是「%s」(%d 条)", top, ins.BusinessCounts[top]),
		Action:  "在团队例会上分享优秀经验录音，推广有效话术",
		Impact:  "复制成功做法，提升整体转化",
	}
	if len(ins.TopTags) > 0 {
		card.Action += fmt.Sprintf("，重点关注「%s」客户群体", ins.TopTags[0].Tag)
	}
	return card
}

// topPractice returns the most frequent business type, ties broken by name.
func topPractice(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := keys[0]
	for _, k := range keys[1:] {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return best
}
