package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"voicememo-go/internal/audio"
	"voicememo-go/internal/dataset"
	"voicememo-go/internal/feishu"
	"voicememo-go/internal/store"
	"voicememo-go/internal/transcription"
	"voicememo-go/internal/types"
	"voicememo-go/internal/upload"
)

type fakeUploader struct {
	url       string
	err       error
	calls     atomic.Int32
	sweep     upload.SweepReport
	discarded []string
}

func (f *fakeUploader) Upload(ctx context.Context, p upload.Payload) (upload.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return upload.Result{}, f.err
	}
	return upload.Result{URL: f.url, Backend: "fake", Filename: p.Filename}, nil
}

func (f *fakeUploader) RetryFromCache(ctx context.Context) (upload.SweepReport, error) {
	return f.sweep, nil
}

func (f *fakeUploader) Discard(ctx context.Context, cacheKey string) error {
	f.discarded = append(f.discarded, cacheKey)
	return nil
}

type fakeTranscriber struct {
	text  string
	err   error
	calls atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, url, mime string) (types.Transcription, error) {
	f.calls.Add(1)
	if f.err != nil {
		return types.Transcription{}, f.err
	}
	return types.Transcription{Text: f.text, Confidence: 0.95, Provenance: types.ProvenanceReal}, nil
}

type fakeAnalyzer struct {
	err error
	got string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, transcript string) (types.Analysis, error) {
	f.got = transcript
	if f.err != nil {
		return types.Analysis{}, f.err
	}
	return types.Analysis{BusinessType: "盘户计划", Provenance: types.ProvenanceReal}.WithDefaults(), nil
}

type fakeSyncer struct {
	configured bool
	synced     []string
}

func (f *fakeSyncer) Configured() bool { return f.configured }

func (f *fakeSyncer) CreateRecord(ctx context.Context, rec *types.Recording) (string, error) {
	f.synced = append(f.synced, rec.ID)
	return "rec_" + rec.ID[:4], nil
}

type harness struct {
	p        *Pipeline
	db       *store.DB
	uploader *fakeUploader
	asr      *fakeTranscriber
	llm      *fakeAnalyzer
	syncer   *fakeSyncer
}

func newHarness(t *testing.T, withDemo bool) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		db:       db,
		uploader: &fakeUploader{url: "https://tmpfiles.org/dl/1/recording.wav"},
		asr:      &fakeTranscriber{text: "今天拜访了李女士"},
		llm:      &fakeAnalyzer{},
		syncer:   &fakeSyncer{},
	}
	svc := Services{
		Blobs:       db.Blobs(),
		Recordings:  db.Recordings(),
		Normalizer:  audio.NewNormalizer(nil, nil),
		Uploader:    h.uploader,
		Transcriber: h.asr,
		Analyzer:    h.llm,
		Syncer:      h.syncer,
		Now:         func() time.Time { return time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC) },
	}
	if withDemo {
		svc.Demo = dataset.NewSet(rand.New(rand.NewPCG(1, 2)))
	}
	h.p, err = New(svc)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return h
}

var wavInput = CaptureInput{Audio: []byte("RIFF....WAVEfmt "), MimeType: "audio/wav", DurationMs: 3000}

func TestRunCompletes(t *testing.T) {
	h := newHarness(t, true)
	h.syncer.configured = true
	h.p.svc.AutoSync = true

	rec, err := h.p.Run(context.Background(), wavInput)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Status != types.StatusCompleted || rec.Stage != types.StageCompleted || rec.Error != "" {
		t.Errorf("status = %s/%s err=%q", rec.Status, rec.Stage, rec.Error)
	}
	if rec.AudioURL != h.uploader.url || rec.Transcription.Provenance != types.ProvenanceReal || rec.Analysis.Provenance != types.ProvenanceReal {
		t.Errorf("recording = %+v", rec)
	}
	if h.llm.got != "今天拜访了李女士" {
		t.Errorf("analyzer got %q", h.llm.got)
	}
	if !strings.HasPrefix(rec.Title, "录音 2025-12-01") {
		t.Errorf("title = %q", rec.Title)
	}

	stored, err := h.p.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != types.StatusCompleted || stored.FeishuRecordID == "" || stored.Analysis.BusinessType != "盘户计划" {
		t.Errorf("stored = %+v", stored)
	}
	blob, _ := h.db.Blobs().Get(context.Background(), stored.AudioRef)
	if blob == nil || string(blob.Data) != string(wavInput.Audio) {
		t.Errorf("audio blob = %v", blob)
	}
}

func TestUploadCachedFallsBackToDemo(t *testing.T) {
	h := newHarness(t, true)
	h.uploader.err = &upload.CachedError{CacheKey: "upload_cache_1", Cause: errors.New("all hosts down")}

	rec, err := h.p.Run(context.Background(), wavInput)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.StatusCompleted || rec.UploadCacheKey != "upload_cache_1" {
		t.Errorf("recording = %+v", rec)
	}
	if h.asr.calls.Load() != 0 {
		t.Error("transcriber called without an audio URL")
	}
	if rec.Transcription.Provenance != types.ProvenanceDemo || rec.Error == "" {
		t.Errorf("transcription = %+v, error = %q", rec.Transcription, rec.Error)
	}
}

// An ASR task that ends FAILED still yields a completed recording when demo
// data is available.
func TestTranscriptionFailedEndsCompletedWithDemo(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/tasks/") {
			polls.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"output": map[string]any{
				"task_id": "t1", "task_status": "FAILED", "code": "InvalidFile.DownloadFailed", "message": "download failed",
			}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"output": map[string]any{"task_id": "t1", "task_status": "PENDING"}})
	}))
	defer srv.Close()

	h := newHarness(t, true)
	asr := transcription.NewClient(srv.URL, "sk-test", "paraformer-v2", nil, nil)
	asr.Wait = transcription.WaitOptions{MaxAttempts: 3, Interval: time.Millisecond}
	h.p.svc.Transcriber = asr
	h.llm.err = errors.New("gateway down")

	rec, err := h.p.Run(context.Background(), wavInput)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if rec.Transcription == nil || rec.Transcription.Text == "" {
		t.Fatal("transcription text is empty")
	}
	if polls.Load() != 1 {
		t.Errorf("polls = %d, want 1", polls.Load())
	}
	// the analysis belongs to the same demo recording as the transcript
	var match bool
	for _, d := range dataset.Demo() {
		if d.Transcription.Text == rec.Transcription.Text {
			match = d.Analysis.BusinessType == rec.Analysis.BusinessType
		}
	}
	if !match || rec.Analysis.Provenance != types.ProvenanceDemo {
		t.Errorf("analysis = %+v", rec.Analysis)
	}
}

func TestTranscriptionFailedWithoutDemoFails(t *testing.T) {
	h := newHarness(t, false)
	h.asr.err = transcription.ErrTimeout

	rec, err := h.p.Run(context.Background(), wavInput)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.StatusFailed || rec.Stage != types.StageFailed || rec.Analysis != nil {
		t.Errorf("recording = %+v", rec)
	}
	if !strings.Contains(rec.Error, "transcribing") {
		t.Errorf("error = %q", rec.Error)
	}
}

func TestAnalysisFailureUsesMock(t *testing.T) {
	h := newHarness(t, true)
	h.llm.err = errors.New("unparseable")

	rec, err := h.p.Run(context.Background(), wavInput)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.StatusCompleted || rec.Transcription.Provenance != types.ProvenanceReal {
		t.Errorf("recording = %+v", rec)
	}
	if rec.Analysis.Provenance != types.ProvenanceFallback || rec.Analysis.CustomerInfo.Name != "张总" {
		t.Errorf("analysis = %+v", rec.Analysis)
	}
}

func TestProcessReadsStoredAudio(t *testing.T) {
	h := newHarness(t, true)
	rec, _, err := h.p.Capture(context.Background(), wavInput)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.StatusProcessing || rec.Stage != types.StageCaptured {
		t.Errorf("captured = %+v", rec)
	}
	done, err := h.p.Process(context.Background(), rec.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != types.StatusCompleted || h.uploader.calls.Load() != 1 {
		t.Errorf("processed = %+v", done)
	}
}

func TestDeleteAndSync(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	rec, err := h.p.Run(ctx, wavInput)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.p.Sync(ctx, rec.ID); !errors.Is(err, feishu.ErrNotConfigured) {
		t.Errorf("got %v, want ErrNotConfigured", err)
	}
	h.syncer.configured = true
	synced, err := h.p.Sync(ctx, rec.ID)
	if err != nil || synced.FeishuRecordID == "" || len(h.syncer.synced) != 1 {
		t.Errorf("sync = %+v, %v", synced, err)
	}

	if err := h.p.Delete(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.p.Get(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if blob, _ := h.db.Blobs().Get(ctx, rec.AudioRef); blob != nil {
		t.Error("audio blob survived delete")
	}
	if err := h.p.Delete(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestRetryPendingUploadsDelegates(t *testing.T) {
	h := newHarness(t, false)
	h.uploader.sweep = upload.SweepReport{Results: []upload.SweepResult{{CacheKey: "k", Success: true}}, Orphans: 1}
	report, err := h.p.RetryPendingUploads(context.Background())
	if err != nil || len(report.Results) != 1 || report.Orphans != 1 {
		t.Errorf("report = %+v, %v", report, err)
	}
}

func TestDeleteDiscardsCachedUpload(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.uploader.err = &upload.CachedError{CacheKey: "upload_cache_7", Cause: errors.New("all hosts down")}
	rec, err := h.p.Run(ctx, wavInput)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.p.Delete(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if got := h.uploader.discarded; len(got) != 1 || got[0] != "upload_cache_7" {
		t.Errorf("discarded = %v, want [upload_cache_7]", got)
	}

	// nothing parked, nothing discarded
	h.uploader.err = nil
	h.uploader.discarded = nil
	rec, err = h.p.Run(ctx, wavInput)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.p.Delete(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if len(h.uploader.discarded) != 0 {
		t.Errorf("discarded = %v, want none", h.uploader.discarded)
	}
}

func TestRetryPendingUploadsLinksRecordings(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.uploader.err = &upload.CachedError{CacheKey: "upload_cache_9", Cause: errors.New("all hosts down")}
	parked, err := h.p.Run(ctx, wavInput)
	if err != nil {
		t.Fatal(err)
	}
	h.uploader.err = nil
	other, err := h.p.Run(ctx, wavInput)
	if err != nil {
		t.Fatal(err)
	}

	h.uploader.sweep = upload.SweepReport{Results: []upload.SweepResult{
		{CacheKey: "upload_cache_9", Success: true, URL: "https://0x0.st/late.wav"},
		{CacheKey: "upload_cache_x", Error: "still down"},
	}}
	if _, err := h.p.RetryPendingUploads(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := h.p.Get(ctx, parked.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UploadCacheKey != "" {
		t.Errorf("cache key = %q, want cleared", got.UploadCacheKey)
	}
	if got.AudioURL != "https://0x0.st/late.wav" {
		t.Errorf("audio url = %q, want https://0x0.st/late.wav", got.AudioURL)
	}
	untouched, err := h.p.Get(ctx, other.ID)
	if err != nil {
		t.Fatal(err)
	}
	if untouched.AudioURL != h.uploader.url {
		t.Errorf("unrelated recording url = %q, want %q", untouched.AudioURL, h.uploader.url)
	}
}

func TestNewRequiresServices(t *testing.T) {
	_, err := New(Services{})
	if err == nil || !strings.Contains(err.Error(), "uploader") {
		t.Errorf("got %v", err)
	}
}
