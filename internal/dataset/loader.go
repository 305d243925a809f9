package dataset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"voicememo-go/internal/types"
)

type column int

const (
	colID column = iota
	colTitle
	colDuration
	colTranscript
	colBusinessType
	colCustomerName
	colProfile
	colFollowUp
	colDemand
	colObjection
	colTouchPoint
	colFailure
	colExtended
	numColumns
)

// headerHints maps a column to lowercase substrings that identify it.
// Earlier columns win when a header matches several.
var headerHints = [numColumns][]string{
	colID:           {"id", "编号"},
	colTitle:        {"title", "标题"},
	colDuration:     {"duration", "时长"},
	colTranscript:   {"transcript", "转录", "text"},
	colBusinessType: {"business", "业务类别", "类别"},
	colCustomerName: {"customer name", "客户姓名", "姓名"},
	colProfile:      {"profile", "客户画像", "画像"},
	colFollowUp:     {"follow", "跟进计划"},
	colDemand:       {"demand", "需求激发"},
	colObjection:    {"objection", "异议处理"},
	colTouchPoint:   {"touch", "打动客户"},
	colFailure:      {"failure", "失败复盘"},
	colExtended:     {"extended", "延伸思考"},
}

// Load reads extra demo recordings from the first sheet of an xlsx file.
// Columns are found by header heuristics; rows without a transcript are skipped.
func Load(path string) ([]types.Recording, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	idx := locateColumns(rows[0])
	if idx[colTranscript] < 0 {
		return nil, fmt.Errorf("no transcript column in header %v", rows[0])
	}

	var out []types.Recording
	for i, r := range rows[1:] {
		cell := func(c column) string {
			if j := idx[c]; j >= 0 && j < len(r) {
				return strings.TrimSpace(r[j])
			}
			return ""
		}
		text := cell(colTranscript)
		if text == "" || text == noTranscriptText {
			continue
		}

		id := cell(colID)
		if id == "" {
			id = fmt.Sprintf("demo_xlsx_%d", i+1)
		}
		duration, _ := strconv.ParseInt(cell(colDuration), 10, 64)
		a := types.Analysis{
			BusinessType:    cell(colBusinessType),
			CustomerInfo:    types.CustomerInfo{Name: cell(colCustomerName)},
			CustomerProfile: splitProfile(cell(colProfile)),
			FollowUpPlan:    cell(colFollowUp),
			OptionalFields: types.OptionalFields{
				DemandStimulation:  cell(colDemand),
				ObjectionHandling:  cell(colObjection),
				CustomerTouchPoint: cell(colTouchPoint),
				FailureReview:      cell(colFailure),
				ExtendedThinking:   cell(colExtended),
			},
		}
		if a.BusinessType == "未分类" {
			a.BusinessType = ""
		}
		out = append(out, demoRecording(id, cell(colTitle), duration, "", 0.9, text, a))
	}
	return out, nil
}

const noTranscriptText = "无转录文本"

func locateColumns(header []string) [numColumns]int {
	var idx [numColumns]int
	for c := range idx {
		idx[c] = -1
	}
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		if l == "" {
			continue
		}
		for c := column(0); c < numColumns; c++ {
			if idx[c] != -1 || !matchesAny(l, headerHints[c]) {
				continue
			}
			idx[c] = i
			break
		}
	}
	return idx
}

func matchesAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

func splitProfile(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool {
		return r == '｜' || r == '|' || r == ',' || r == '，' || r == '、'
	}) {
		if p = strings.TrimSpace(p); p != "" && p != types.NotMentioned {
			out = append(out, p)
		}
	}
	return out
}
