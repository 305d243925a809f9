package dataset

import (
	"math/rand/v2"
	"sync"
	"time"

	"voicememo-go/internal/types"
)

// Demo returns the built-in demo recordings, newest first.
func Demo() []types.Recording {
	return []types.Recording{
		demoRecording("demo_1", "张总面访记录", 920000, "2024-01-15T10:30:00Z", 0.95,
			"今天我拜访了张总，他是一家制造业公司的老板，45岁左右，已婚，有两个孩子在上中学。张总对我们的产品很感兴趣，特别是我提到的风险保障功能，他说最近行业竞争激烈，确实需要为家庭和企业做一些保障规划。不过他提出了保费预算的问题，希望能有更灵活的缴费方式。我建议他可以考虑分期缴费，并且承诺下周给他准备一个详细的方案。整体来说这次面访效果不错，客户意向度比较高。",
			types.Analysis{
				BusinessType:    "面访跟踪",
				CustomerInfo:    types.CustomerInfo{Name: "张总"},
				CustomerProfile: []string{"中年", "已婚", "企业主", "孩子中学", "制造业"},
				FollowUpPlan:    "下周准备详细保障方案，重点突出分期缴费的灵活性，针对制造业风险特点定制产品组合",
				OptionalFields: types.OptionalFields{
					DemandStimulation:  "通过行业竞争激烈的现状，激发客户对风险保障的需求",
					ObjectionHandling:  "针对保费预算问题，提供分期缴费解决方案",
					CustomerTouchPoint: "风险保障功能引起客户强烈兴趣，是主要打动点",
					ExtendedThinking:   "可以考虑针对制造业客户群体开发专门的产品包，突出行业特色",
				},
			}),
		demoRecording("demo_2", "李女士客户盘点", 680000, "2024-01-14T14:15:00Z", 0.92,
			"李女士是我们的老客户，今年38岁，单身，在一家外企做财务总监。她之前购买了我们的重疾险，现在想了解一下养老规划的产品。李女士比较理性，对产品的收益率和风险都很关注，她希望能有一个长期稳定的投资计划。我向她介绍了我们的年金险产品，她表示需要回去仔细考虑一下，特别是想了解一下税收优惠政策。我答应她会整理相关的税收政策资料，下周再联系她。",
			types.Analysis{
				BusinessType:    "盘户计划",
				CustomerInfo:    types.CustomerInfo{Name: "李女士"},
				CustomerProfile: []string{"中年", "单身", "财务总监", "外企", "理性"},
				FollowUpPlan:    "整理税收优惠政策资料，下周联系客户，重点介绍年金险的税收优势",
				OptionalFields: types.OptionalFields{
					DemandStimulation:  "通过养老规划需求，引导客户关注长期投资",
					ObjectionHandling:  "针对收益率和风险关注，提供详细的产品说明",
					CustomerTouchPoint: "税收优惠政策是客户关注的重点",
					ExtendedThinking:   "可以针对外企高管群体推广税收优惠型产品",
				},
			}),
		demoRecording("demo_3", "王先生失败复盘", 450000, "2024-01-13T16:45:00Z", 0.88,
			"今天和王先生的面谈没有达到预期效果。王先生是一个比较谨慎的人，对保险产品有一些偏见，认为保险就是骗人的。我在介绍产品时可能过于急躁，没有充分了解他的真实需求就开始推销产品。他明确表示暂时不考虑购买任何保险产品。我觉得这次失败的主要原因是我没有建立足够的信任关系，而且对他的需求分析不够深入。下次应该先从了解客户开始，建立信任关系，再逐步介绍产品。",
			types.Analysis{
				BusinessType:    "失败复盘",
				CustomerInfo:    types.CustomerInfo{Name: "王先生"},
				CustomerProfile: []string{"谨慎", "对保险有偏见"},
				FollowUpPlan:    "暂不跟进，需要重新制定接触策略，先建立信任关系",
				OptionalFields: types.OptionalFields{
					FailureReview:    "过于急躁推销，未充分了解客户需求，信任关系建立不足",
					ExtendedThinking: "对于有保险偏见的客户，应该先从教育和信任建立开始，不要急于推销产品",
				},
			}),
		demoRecording("demo_4", "成功签单经验总结", 780000, "2024-01-12T11:20:00Z", 0.96,
			"今天成功签下了陈总的单子，这是一个很好的案例。陈总是通过朋友介绍认识的，他经营一家餐饮连锁店，对风险管理很有意识。我在和他交流时，重点强调了企业经营风险和家庭责任风险，这正好击中了他的痛点。他最担心的是万一自己出现意外，家庭和企业怎么办。我为他设计了一个组合方案，包括定期寿险和重疾险，保额覆盖了他的房贷和企业贷款。陈总很快就决定购买了，整个过程非常顺利。这次成功的关键是准确把握了客户的核心需求。",
			types.Analysis{
				BusinessType:    "优秀经验",
				CustomerInfo:    types.CustomerInfo{Name: "陈总"},
				CustomerProfile: []string{"企业主", "餐饮业", "风险意识强", "朋友介绍"},
				FollowUpPlan:    "维护好客户关系，可以通过陈总介绍更多餐饮业客户",
				OptionalFields: types.OptionalFields{
					DemandStimulation:  "通过企业经营风险和家庭责任风险激发需求",
					CustomerTouchPoint: "准确把握客户对意外风险的担忧，设计针对性方案",
					ExtendedThinking:   "餐饮业客户群体值得深入开发，可以设计行业专属产品",
				},
			}),
	}
}

func demoRecording(id, title string, durationMs int64, created string, confidence float64, text string, a types.Analysis) types.Recording {
	at, _ := time.Parse(time.RFC3339, created)
	a = a.WithDefaults()
	a.Provenance = types.ProvenanceDemo
	return types.Recording{
		ID:         id,
		Title:      title,
		DurationMs: durationMs,
		CreatedAt:  at,
		UpdatedAt:  at,
		Status:     types.StatusCompleted,
		Stage:      types.StageCompleted,
		Transcription: &types.Transcription{
			Text:       text,
			Confidence: confidence,
			Segments:   []types.Segment{},
			DurationMs: durationMs,
			Provenance: types.ProvenanceDemo,
		},
		Analysis: &a,
	}
}

// Set is the pool fallbacks draw from: the built-ins plus any loaded rows.
type Set struct {
	mu         sync.Mutex
	rng        *rand.Rand
	recordings []types.Recording
}

func NewSet(rng *rand.Rand, extra ...types.Recording) *Set {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return &Set{rng: rng, recordings: append(Demo(), extra...)}
}

// All returns copies of every recording in the set.
func (s *Set) All() []types.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Recording, len(s.recordings))
	for i, r := range s.recordings {
		out[i] = clone(r)
	}
	return out
}

// Random picks one recording. Callers may modify the result freely.
func (s *Set) Random() types.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.recordings[s.rng.IntN(len(s.recordings))])
}

// RandomDemo picks one of the built-in recordings.
func RandomDemo(rng *rand.Rand) types.Recording {
	d := Demo()
	return d[rng.IntN(len(d))]
}

func clone(r types.Recording) types.Recording {
	if r.Transcription != nil {
		t := *r.Transcription
		t.Segments = append([]types.Segment(nil), t.Segments...)
		r.Transcription = &t
	}
	if r.Analysis != nil {
		a := *r.Analysis
		a.CustomerProfile = append([]string(nil), a.CustomerProfile...)
		r.Analysis = &a
	}
	return r
}
