package types

import "time"

// NotMentioned is the sentinel every optional analysis field falls back to.
const NotMentioned = "未提及"

// DefaultBusinessType is used when the model names no known category.
const DefaultBusinessType = "其他"

// BusinessTypes lists the categories the analysis prompt asks for.
var BusinessTypes = []string{"盘户计划", "面访跟踪", "优秀经验", "失败复盘", DefaultBusinessType}

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Stage is the pipeline position of a recording.
type Stage string

const (
	StageCaptured     Stage = "captured"
	StageUploading    Stage = "uploading"
	StageTranscribing Stage = "transcribing"
	StageAnalyzing    Stage = "analyzing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Provenance says where a transcription or analysis came from.
type Provenance string

const (
	ProvenanceReal     Provenance = "real"
	ProvenanceFallback Provenance = "fallback"
	ProvenanceDemo     Provenance = "demo"
)

type Recording struct {
	ID             string         `json:"id"`
	Title          string         `json:"title,omitempty"`
	AudioRef       string         `json:"audio_ref"`
	MimeType       string         `json:"mime_type,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         Status         `json:"status"`
	Stage          Stage          `json:"stage"`
	AudioURL       string         `json:"audio_url,omitempty"`
	UploadCacheKey string         `json:"upload_cache_key,omitempty"`
	Transcription  *Transcription `json:"transcription,omitempty"`
	Analysis       *Analysis      `json:"analysis,omitempty"`
	FeishuRecordID string         `json:"feishu_record_id,omitempty"`
	Error          string         `json:"error,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// HasTranscript reports whether the recording carries usable transcript text.
func (r *Recording) HasTranscript() bool {
	return r.Transcription != nil && r.Transcription.Text != ""
}

type Transcription struct {
	Text         string     `json:"text"`
	Confidence   float64    `json:"confidence"`
	Segments     []Segment  `json:"segments"`
	DurationMs   int64      `json:"duration_ms"`
	AudioFormat  string     `json:"audio_format,omitempty"`
	SamplingRate int        `json:"sampling_rate,omitempty"`
	Provenance   Provenance `json:"provenance,omitempty"`
}

type Segment struct {
	Text         string  `json:"text"`
	StartTimeSec float64 `json:"start_time_sec"`
	EndTimeSec   float64 `json:"end_time_sec"`
	Confidence   float64 `json:"confidence"`
	SpeakerID    int     `json:"speaker_id"`
	Words        []Word  `json:"words"`
}

type Word struct {
	Text         string  `json:"text"`
	StartTimeSec float64 `json:"start_time_sec"`
	EndTimeSec   float64 `json:"end_time_sec"`
	Punctuation  string  `json:"punctuation"`
}

type UploadCacheEntry struct {
	CacheKey  string    `json:"cache_key"`
	BlobRef   string    `json:"blob_ref"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	MimeType  string    `json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`
}
