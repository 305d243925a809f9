package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voicememo-go/internal/types"
)

// SegmentConfidence is assigned to every segment; the provider reports no
// per-sentence score.
const SegmentConfidence = 0.95

var ErrEmptyTranscript = errors.New("empty transcript")

// Transcriber turns a public audio URL into a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL, mime string) (types.Transcription, error)
}

// Detail is the transcript document behind a transcription_url.
type Detail struct {
	Transcripts []struct {
		Text      string     `json:"text"`
		Sentences []Sentence `json:"sentences"`
	} `json:"transcripts"`
	Properties Properties `json:"properties"`
}

type Sentence struct {
	Text      string       `json:"text"`
	BeginTime int64        `json:"begin_time"`
	EndTime   int64        `json:"end_time"`
	SpeakerID *int         `json:"speaker_id,omitempty"`
	Words     []DetailWord `json:"words,omitempty"`
}

type DetailWord struct {
	Text        string `json:"text"`
	BeginTime   int64  `json:"begin_time"`
	EndTime     int64  `json:"end_time"`
	Punctuation string `json:"punctuation"`
}

type Properties struct {
	OriginalDurationMs   int64  `json:"original_duration_in_milliseconds"`
	AudioFormat          string `json:"audio_format"`
	OriginalSamplingRate int    `json:"original_sampling_rate"`
}

// Normalize maps a provider transcript onto types.Transcription.
func Normalize(d *Detail) types.Transcription {
	out := types.Transcription{
		Confidence:   SegmentConfidence,
		Segments:     []types.Segment{},
		DurationMs:   d.Properties.OriginalDurationMs,
		AudioFormat:  d.Properties.AudioFormat,
		SamplingRate: d.Properties.OriginalSamplingRate,
		Provenance:   types.ProvenanceReal,
	}
	var texts []string
	for _, t := range d.Transcripts {
		if s := strings.TrimSpace(t.Text); s != "" {
			texts = append(texts, s)
		}
		for _, s := range t.Sentences {
			seg := types.Segment{
				Text:         s.Text,
				StartTimeSec: msToSec(s.BeginTime),
				EndTimeSec:   msToSec(s.EndTime),
				Confidence:   SegmentConfidence,
				Words:        []types.Word{},
			}
			if s.SpeakerID != nil {
				seg.SpeakerID = *s.SpeakerID
			}
			for _, w := range s.Words {
				seg.Words = append(seg.Words, types.Word{
					Text:         w.Text,
					StartTimeSec: msToSec(w.BeginTime),
					EndTimeSec:   msToSec(w.EndTime),
					Punctuation:  w.Punctuation,
				})
			}
			out.Segments = append(out.Segments, seg)
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out
}

func msToSec(ms int64) float64 { return float64(ms) / 1000 }

// Transcribe recognizes a single file and normalizes the result.
func (c *Client) Transcribe(ctx context.Context, audioURL, mime string) (types.Transcription, error) {
	opts := DefaultOptions()
	opts.AudioFormat = AudioFormatHint(mime)
	opts.Wait = c.Wait

	results, err := c.Recognize(ctx, []string{audioURL}, opts)
	if err != nil {
		return types.Transcription{}, err
	}
	if len(results) == 0 {
		return types.Transcription{}, fmt.Errorf("transcribe %s: no results", audioURL)
	}
	r := results[0]
	if !r.OK() {
		return types.Transcription{}, fmt.Errorf("transcribe %s: %s (%s)", r.FileURL, r.Error, r.Code)
	}
	tr := Normalize(r.Transcription)
	if tr.Text == "" {
		return types.Transcription{}, fmt.Errorf("transcribe %s: %w", audioURL, ErrEmptyTranscript)
	}
	return tr, nil
}

// MockText is the canned transcript served when ASR is mocked.
const MockText = "今天我拜访了张总，他是一家制造业公司的老板，45岁左右，已婚，有两个孩子在上中学。张总对我们的产品很感兴趣，特别是我提到的风险保障功能，他说最近行业竞争激烈，确实需要为家庭和企业做一些保障规划。不过他提出了保费预算的问题，希望能有更灵活的缴费方式。我建议他可以考虑分期缴费，并且承诺下周给他准备一个详细的方案。整体来说这次面访效果不错，客户意向度比较高。"

// Mock answers every request with MockText after Delay.
type Mock struct {
	Delay time.Duration
}

func (m Mock) Transcribe(ctx context.Context, audioURL, mime string) (types.Transcription, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return types.Transcription{}, ctx.Err()
		case <-t.C:
		}
	}
	return types.Transcription{
		Text:       MockText,
		Confidence: SegmentConfidence,
		Segments:   []types.Segment{},
		Provenance: types.ProvenanceFallback,
	}, nil
}
