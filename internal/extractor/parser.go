package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"voicememo-go/internal/logger"
	"voicememo-go/internal/types"
)

var ErrNoParseableAnalysis = errors.New("no parseable analysis in model output")

// Parser turns model output into an Analysis. It never invents content:
// when nothing can be recovered it returns ErrNoParseableAnalysis.
type Parser struct {
	Now func() time.Time
	Log *logger.Logger
}

func NewParser(log *logger.Logger) *Parser {
	return &Parser{Now: time.Now, Log: logger.OrDiscard(log).Component("extractor")}
}

// ParseResponse parses a raw chat completion body.
func (p *Parser) ParseResponse(body []byte) (types.Analysis, error) {
	payload := ClassifyResponse(body)
	if payload.Truncated {
		p.log().WithField("finish_reason", payload.FinishReason).Warn("model output truncated at token limit")
	}
	if payload.Kind == KindUnrecognized {
		return types.Analysis{}, fmt.Errorf("%w: unrecognized response shape", ErrNoParseableAnalysis)
	}
	p.log().WithField("shape", payload.Kind.String()).Debug("response text located")
	return p.ParseText(payload.Text)
}

// ParseText runs the recovery chain over free text.
func (p *Parser) ParseText(text string) (types.Analysis, error) {
	if strings.TrimSpace(text) == "" {
		return types.Analysis{}, ErrNoParseableAnalysis
	}

	if candidate, ok := firstExtraction(text); ok {
		if obj, ok := parseRepaired(candidate); ok && hasAnalysisKey(obj) {
			return p.fromObject(obj), nil
		}
	}
	// second, independent attempt straight from the original text
	if candidate, ok := extractBalanced(text); ok {
		if obj, ok := parseRepaired(candidate); ok && hasAnalysisKey(obj) {
			return p.fromObject(obj), nil
		}
	}
	if a, ok := p.RegexFallback(text); ok {
		p.log().Warn("structured parse failed, recovered fields by pattern")
		return a, nil
	}
	return types.Analysis{}, ErrNoParseableAnalysis
}

func firstExtraction(text string) (string, bool) {
	for _, extract := range Extractors {
		if out, ok := extract(text); ok {
			return out, true
		}
	}
	return "", false
}

// parseRepaired tries the candidate as-is, then after each repair in turn.
func parseRepaired(s string) (map[string]any, bool) {
	if obj, ok := decodeObject(s); ok {
		return obj, true
	}
	for _, repair := range Repairs {
		out, changed := repair(s)
		if !changed {
			continue
		}
		s = out
		if obj, ok := decodeObject(s); ok {
			return obj, true
		}
	}
	return nil, false
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

var optionalKeys = []string{"demandStimulation", "objectionHandling", "customerTouchPoint", "failureReview", "extendedThinking"}

// analysisKeys are the top-level keys of which at least one must be present
// before an object is read as an analysis.
var analysisKeys = append([]string{
	"summary", "insights", "businessType", "customerInfo", "followUpPlan", "customerProfile", "optionalFields",
}, optionalKeys...)

func hasAnalysisKey(obj map[string]any) bool {
	for _, k := range analysisKeys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

// fromObject accepts both the nested {summary, insights} shape and the flat
// shape, coercing every field without failing on type mismatches.
func (p *Parser) fromObject(obj map[string]any) types.Analysis {
	summary, hasSummary := obj["summary"].(map[string]any)
	insights, hasInsights := obj["insights"].(map[string]any)

	var head, body []map[string]any
	if hasSummary || hasInsights {
		head = []map[string]any{summary, obj}
		body = []map[string]any{insights, asMap(insights["optionalFields"]), asMap(obj["optionalFields"]), obj}
	} else {
		head = []map[string]any{obj}
		body = []map[string]any{asMap(obj["optionalFields"]), obj}
	}

	var a types.Analysis
	a.BusinessType = text(lookup(head, "businessType"))
	a.CustomerInfo = coerceCustomer(lookup(head, "customerInfo"))
	a.FollowUpPlan = text(lookup(head, "followUpPlan"))
	if v := lookup(body, "customerProfile"); v != nil {
		a.CustomerProfile = coerceProfile(v)
	} else {
		a.CustomerProfile = coerceProfile(lookup(head, "customerProfile"))
	}

	opt := map[string]string{}
	for _, k := range optionalKeys {
		opt[k] = text(lookup(body, k))
	}
	a.OptionalFields = types.OptionalFields{
		DemandStimulation:  opt["demandStimulation"],
		ObjectionHandling:  opt["objectionHandling"],
		CustomerTouchPoint: opt["customerTouchPoint"],
		FailureReview:      opt["failureReview"],
		ExtendedThinking:   opt["extendedThinking"],
	}
	return p.finish(a)
}

func (p *Parser) finish(a types.Analysis) types.Analysis {
	if a.CustomerInfo.CustomerID == "" {
		a.CustomerInfo.CustomerID = fmt.Sprintf("AUTO_%d", p.now().UnixMilli())
	}
	return a.WithDefaults()
}

// lookup returns the first non-nil value for key across maps.
func lookup(maps []map[string]any, key string) any {
	for _, m := range maps {
		if m == nil {
			continue
		}
		if v, ok := m[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// text renders scalar values and joins lists; objects become "".
func text(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		var parts []string
		for _, e := range t {
			if s := text(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "；")
	}
	return ""
}

func coerceCustomer(v any) types.CustomerInfo {
	switch t := v.(type) {
	case string:
		return types.CustomerInfo{Name: strings.TrimSpace(t)}
	case map[string]any:
		id := text(t["customerId"])
		if id == "" {
			id = text(t["id"])
		}
		return types.CustomerInfo{Name: text(t["name"]), CustomerID: id}
	case []any:
		if len(t) > 0 {
			return coerceCustomer(t[0])
		}
	}
	return types.CustomerInfo{}
}

var profileSplit = regexp.MustCompile(`[,，、\s]+`)

// coerceProfile turns a string, list or object into an ordered tag set.
func coerceProfile(v any) []string {
	var raw []string
	if s, ok := v.(string); ok {
		raw = profileSplit.Split(s, -1)
	} else {
		collectStrings(v, &raw)
	}
	seen := map[string]bool{}
	var out []string
	for _, tag := range raw {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case float64, bool:
		*out = append(*out, text(t))
	case []any:
		for _, e := range t {
			collectStrings(e, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(t[k], out)
		}
	}
}

var (
	reBusinessType = fieldRe("businessType")
	reName         = fieldRe("name")
	reNameCN       = regexp.MustCompile(`客户[姓名称呼]*[:：]\s*([^\s,，。]+)`)
	reFollowUp     = fieldRe("followUpPlan")
	reFollowUpCN   = regexp.MustCompile(`跟进[计划规划]*[:：]\s*([^"'，。]+)`)
	reProfile      = regexp.MustCompile(`(?i)["']?customerProfile["']?\s*:\s*\[([^\]]+)\]`)
	reOptional     = map[string]*regexp.Regexp{}
)

func init() {
	for _, k := range optionalKeys {
		reOptional[k] = fieldRe(k)
	}
}

func fieldRe(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)["']?` + name + `["']?\s*:\s*["']([^"']+)["']`)
}

// RegexFallback pulls known fields out of text that is not valid JSON. It
// succeeds when at least one field was found.
func (p *Parser) RegexFallback(content string) (types.Analysis, bool) {
	var a types.Analysis
	found := false
	match := func(res ...*regexp.Regexp) string {
		for _, re := range res {
			if m := re.FindStringSubmatch(content); m != nil {
				if s := strings.TrimSpace(m[1]); s != "" {
					found = true
					return s
				}
			}
		}
		return ""
	}

	a.BusinessType = match(reBusinessType)
	a.CustomerInfo.Name = match(reName, reNameCN)
	a.FollowUpPlan = match(reFollowUp, reFollowUpCN)
	if m := reProfile.FindStringSubmatch(content); m != nil {
		for _, item := range strings.Split(m[1], ",") {
			if tag := strings.Trim(strings.TrimSpace(item), `"'`); tag != "" {
				a.CustomerProfile = append(a.CustomerProfile, tag)
				found = true
			}
		}
	}
	o := &a.OptionalFields
	o.DemandStimulation = match(reOptional["demandStimulation"])
	o.ObjectionHandling = match(reOptional["objectionHandling"])
	o.CustomerTouchPoint = match(reOptional["customerTouchPoint"])
	o.FailureReview = match(reOptional["failureReview"])
	o.ExtendedThinking = match(reOptional["extendedThinking"])

	if !found {
		return types.Analysis{}, false
	}
	return p.finish(a), true
}

func (p *Parser) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Parser) log() *logger.Logger {
	if p.Log == nil {
		return logger.Discard()
	}
	return p.Log
}
