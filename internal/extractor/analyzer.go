package extractor

import (
	"context"
	"time"

	"voicememo-go/internal/config"
	"voicememo-go/internal/logger"
	"voicememo-go/internal/relay"
	"voicememo-go/internal/types"
)

// NewAnalyzer picks the provider named by the configuration. Without
// credentials, or with USE_MOCK_LLM=true, it returns the mock.
func NewAnalyzer(ctx context.Context, cfg *config.Config, resolver relay.Resolver, log *logger.Logger) (Analyzer, error) {
	log = logger.OrDiscard(log)
	if cfg.UseMockLLM() {
		log.Info("mock LLM mode ON - returning canned analysis")
		return Mock{}, nil
	}
	if cfg.LLMProvider == "vertex" {
		v, err := NewVertexClient(ctx, cfg.VertexProject, cfg.VertexRegion, cfg.LLMModel, log)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return NewGatewayClient(cfg.LLMGatewayURL, cfg.LLMAPIKey, cfg.LLMModel, resolver, log), nil
}

// MockAnalysis is the canned analysis matching the mock transcript.
func MockAnalysis() types.Analysis {
	return types.Analysis{
		BusinessType: "面访跟踪",
		CustomerInfo: types.CustomerInfo{Name: "张总", CustomerID: types.NotMentioned},
		FollowUpPlan: "下周准备详细保障方案，重点突出分期缴费的灵活性，针对制造业风险特点定制产品组合",
		CustomerProfile: []string{
			"中年", "已婚", "企业主", "孩子中学", "制造业",
		},
		OptionalFields: types.OptionalFields{
			DemandStimulation:  "通过行业竞争激烈的现状，激发客户对风险保障的需求",
			ObjectionHandling:  "针对保费预算问题，提供分期缴费解决方案",
			CustomerTouchPoint: "风险保障功能引起客户强烈兴趣，是主要打动点",
			ExtendedThinking:   "可以考虑针对制造业客户群体开发专门的产品包，突出行业特色",
		},
		Provenance: types.ProvenanceFallback,
	}.WithDefaults()
}

// Mock returns MockAnalysis after Delay.
type Mock struct {
	Delay time.Duration
}

func (m Mock) Analyze(ctx context.Context, transcript string) (types.Analysis, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return types.Analysis{}, ctx.Err()
		case <-t.C:
		}
	}
	return MockAnalysis(), nil
}
