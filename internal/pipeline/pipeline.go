package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"voicememo-go/internal/audio"
	"voicememo-go/internal/extractor"
	"voicememo-go/internal/feishu"
	"voicememo-go/internal/logger"
	"voicememo-go/internal/store"
	"voicememo-go/internal/transcription"
	"voicememo-go/internal/types"
	"voicememo-go/internal/upload"
)

// AudioKeyPrefix namespaces recording audio inside the blob store.
const AudioKeyPrefix = "audio_"

type BlobStore interface {
	Put(ctx context.Context, key string, blob types.Blob) error
	Get(ctx context.Context, key string) (*types.Blob, error)
	Delete(ctx context.Context, key string) error
}

type Normalizer interface {
	Normalize(ctx context.Context, blob types.Blob) types.Blob
}

type Uploader interface {
	Upload(ctx context.Context, p upload.Payload) (upload.Result, error)
	RetryFromCache(ctx context.Context) (upload.SweepReport, error)
	Discard(ctx context.Context, cacheKey string) error
}

// Syncer pushes a finished recording to the team bitable.
type Syncer interface {
	Configured() bool
	CreateRecord(ctx context.Context, rec *types.Recording) (string, error)
}

// DemoSource supplies stand-in recordings when a stage has nothing real to offer.
type DemoSource interface {
	Random() types.Recording
}

// Services is everything a Pipeline runs against. Backend selection state
// lives in the Uploader, so two pipelines never share it.
type Services struct {
	Blobs       BlobStore
	Recordings  store.RecordingStore
	Normalizer  Normalizer
	Uploader    Uploader
	Transcriber transcription.Transcriber
	Analyzer    extractor.Analyzer
	Syncer      Syncer     // optional
	Demo        DemoSource // optional; without it a failed transcription fails the recording
	// AutoSync pushes completed recordings to the Syncer at the end of Process.
	AutoSync bool
	Now      func() time.Time
	Log      *logger.Logger
}

type Pipeline struct {
	svc Services
	log *logger.Logger
}

func New(svc Services) (*Pipeline, error) {
	var missing []error
	if svc.Blobs == nil {
		missing = append(missing, errors.New("blob store"))
	}
	if svc.Recordings == nil {
		missing = append(missing, errors.New("recording store"))
	}
	if svc.Uploader == nil {
		missing = append(missing, errors.New("uploader"))
	}
	if svc.Transcriber == nil {
		missing = append(missing, errors.New("transcriber"))
	}
	if svc.Analyzer == nil {
		missing = append(missing, errors.New("analyzer"))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: missing services: %w", errors.Join(missing...))
	}
	if svc.Now == nil {
		svc.Now = time.Now
	}
	return &Pipeline{svc: svc, log: logger.OrDiscard(svc.Log).Component("pipeline")}, nil
}

type CaptureInput struct {
	Audio      []byte
	MimeType   string
	DurationMs int64
	Title      string
}

// Capture creates a processing recording for freshly recorded audio and
// persists both. It returns the normalized audio for Process.
func (p *Pipeline) Capture(ctx context.Context, in CaptureInput) (*types.Recording, types.Blob, error) {
	if len(in.Audio) == 0 {
		return nil, types.Blob{}, errors.New("capture: empty audio")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, types.Blob{}, fmt.Errorf("capture: new id: %w", err)
	}
	now := p.svc.Now()

	blob := types.Blob{Data: in.Audio, MimeType: in.MimeType}
	if p.svc.Normalizer != nil {
		blob = p.svc.Normalizer.Normalize(ctx, blob)
	}

	title := in.Title
	if title == "" {
		title = "录音 " + now.Format("2006-01-02 15:04:05")
	}
	rec := &types.Recording{
		ID:         id.String(),
		Title:      title,
		AudioRef:   AudioKeyPrefix + id.String(),
		MimeType:   blob.MimeType,
		DurationMs: in.DurationMs,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     types.StatusProcessing,
		Stage:      types.StageCaptured,
	}
	log := p.log.WithField("recording_id", rec.ID)

	if err := p.svc.Blobs.Put(ctx, rec.AudioRef, blob); err != nil {
		log.WithField("error", err.Error()).Warn("failed to persist audio blob")
		rec.AudioRef = ""
	}
	if err := p.svc.Recordings.Save(ctx, rec); err != nil {
		return nil, types.Blob{}, fmt.Errorf("capture: save recording: %w", err)
	}
	log.WithField("mime_type", blob.MimeType).WithField("size", blob.Size()).Info("recording captured")
	return rec, blob, nil
}

// Run captures and processes one recording.
func (p *Pipeline) Run(ctx context.Context, in CaptureInput) (*types.Recording, error) {
	rec, blob, err := p.Capture(ctx, in)
	if err != nil {
		return nil, err
	}
	return p.process(ctx, rec, blob)
}

// Process runs the upload, transcription and analysis stages for a stored
// recording. Audio is read from the blob store when not supplied. The
// recording ends completed whenever a transcript exists, real or demo.
func (p *Pipeline) Process(ctx context.Context, id string, blob *types.Blob) (*types.Recording, error) {
	rec, err := p.svc.Recordings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		if rec.AudioRef == "" {
			return nil, fmt.Errorf("process %s: no stored audio", id)
		}
		blob, err = p.svc.Blobs.Get(ctx, rec.AudioRef)
		if err != nil {
			return nil, fmt.Errorf("process %s: load audio: %w", id, err)
		}
		if blob == nil {
			return nil, fmt.Errorf("process %s: audio %s: %w", id, rec.AudioRef, store.ErrNotFound)
		}
	}
	return p.process(ctx, rec, *blob)
}

func (p *Pipeline) process(ctx context.Context, rec *types.Recording, blob types.Blob) (*types.Recording, error) {
	log := p.log.WithField("recording_id", rec.ID)
	rec.Status = types.StatusProcessing
	rec.Error = ""
	rec.AudioURL = ""
	rec.Transcription = nil
	rec.Analysis = nil
	var demo *types.Recording

	useDemo := func(stage types.Stage, cause error) {
		if p.svc.Demo == nil {
			log.WithField("stage", string(stage)).WithField("error", cause.Error()).Error("stage failed and no demo data is available")
			rec.Error = fmt.Sprintf("%s failed: %v", stage, cause)
			return
		}
		d := p.svc.Demo.Random()
		demo = &d
		rec.Transcription = d.Transcription
		rec.Error = fmt.Sprintf("%s failed, showing demo transcript: %v", stage, cause)
		log.WithField("stage", string(stage)).WithField("error", cause.Error()).WithField("demo_id", d.ID).Warn("stage failed, using demo transcript")
	}

	// Uploading
	p.advance(ctx, rec, types.StageUploading)
	res, err := p.svc.Uploader.Upload(ctx, upload.Payload{
		Filename: audio.Filename(blob.MimeType, rec.CreatedAt),
		MimeType: blob.MimeType,
		Data:     blob.Data,
	})
	var cached *upload.CachedError
	switch {
	case err == nil:
		rec.AudioURL = res.URL
		rec.UploadCacheKey = ""
		log.WithField("backend", res.Backend).WithField("url", res.URL).Info("audio uploaded")
	case errors.As(err, &cached):
		rec.UploadCacheKey = cached.CacheKey
		useDemo(types.StageUploading, err)
	default:
		useDemo(types.StageUploading, err)
	}

	// Transcribing
	if rec.AudioURL != "" {
		p.advance(ctx, rec, types.StageTranscribing)
		tr, err := p.svc.Transcriber.Transcribe(ctx, rec.AudioURL, blob.MimeType)
		if err == nil && tr.Text == "" {
			err = transcription.ErrEmptyTranscript
		}
		if err != nil {
			useDemo(types.StageTranscribing, err)
		} else {
			rec.Transcription = &tr
			log.WithField("chars", len([]rune(tr.Text))).Info("transcription complete")
		}
	}

	// Analyzing
	if rec.HasTranscript() {
		p.advance(ctx, rec, types.StageAnalyzing)
		a, err := p.svc.Analyzer.Analyze(ctx, rec.Transcription.Text)
		if err != nil {
			a = p.fallbackAnalysis(demo)
			log.WithField("error", err.Error()).WithField("provenance", string(a.Provenance)).Warn("analysis failed, using fallback analysis")
			if rec.Error == "" {
				rec.Error = fmt.Sprintf("analysis failed, showing placeholder analysis: %v", err)
			}
		}
		rec.Analysis = &a
	}

	if rec.HasTranscript() {
		rec.Status = types.StatusCompleted
		rec.Stage = types.StageCompleted
	} else {
		rec.Status = types.StatusFailed
		rec.Stage = types.StageFailed
		if rec.Error == "" {
			rec.Error = "no transcript could be produced"
		}
	}
	if err := p.save(ctx, rec); err != nil {
		return rec, err
	}
	log.WithField("status", string(rec.Status)).Info("pipeline finished")

	if p.svc.AutoSync && rec.Status == types.StatusCompleted && p.svc.Syncer != nil && p.svc.Syncer.Configured() {
		if err := p.syncRecord(ctx, rec); err != nil {
			log.WithField("error", err.Error()).Warn("bitable sync failed")
		}
	}
	return rec, nil
}

// fallbackAnalysis pairs a demo transcript with its own analysis and
// anything else with the canned mock.
func (p *Pipeline) fallbackAnalysis(demo *types.Recording) types.Analysis {
	if demo != nil && demo.Analysis != nil {
		a := *demo.Analysis
		a.Provenance = types.ProvenanceDemo
		return a
	}
	return extractor.MockAnalysis()
}

func (p *Pipeline) advance(ctx context.Context, rec *types.Recording, stage types.Stage) {
	rec.Stage = stage
	if err := p.save(ctx, rec); err != nil {
		p.log.WithField("recording_id", rec.ID).WithField("stage", string(stage)).WithField("error", err.Error()).Error("failed to persist stage")
	}
}

// save persists even when the caller has gone away, so an abandoned run
// still leaves its latest state behind.
func (p *Pipeline) save(ctx context.Context, rec *types.Recording) error {
	rec.UpdatedAt = p.svc.Now()
	if err := p.svc.Recordings.Save(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("save recording %s: %w", rec.ID, err)
	}
	return nil
}

func (p *Pipeline) Get(ctx context.Context, id string) (*types.Recording, error) {
	return p.svc.Recordings.Get(ctx, id)
}

func (p *Pipeline) List(ctx context.Context) ([]types.Recording, error) {
	return p.svc.Recordings.List(ctx)
}

// Delete removes a recording, its audio and any upload still parked in the
// cache for it.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	rec, err := p.svc.Recordings.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := p.svc.Recordings.Delete(ctx, id); err != nil {
		return err
	}
	log := p.log.WithField("recording_id", id)
	if rec.AudioRef != "" {
		if err := p.svc.Blobs.Delete(ctx, rec.AudioRef); err != nil {
			log.WithField("error", err.Error()).Warn("failed to delete audio blob")
		}
	}
	if rec.UploadCacheKey != "" {
		if err := p.svc.Uploader.Discard(ctx, rec.UploadCacheKey); err != nil {
			log.WithField("error", err.Error()).Warn("failed to discard cached upload")
		}
	}
	log.Info("recording deleted")
	return nil
}

// RetryPendingUploads re-attempts uploads that were parked in the local cache.
func (p *Pipeline) RetryPendingUploads(ctx context.Context) (upload.SweepReport, error) {
	report, err := p.svc.Uploader.RetryFromCache(ctx)
	if err != nil {
		return report, err
	}
	uploaded := map[string]string{}
	for _, r := range report.Results {
		if r.Success {
			uploaded[r.CacheKey] = r.URL
		}
	}
	if len(report.Results) > 0 || report.Orphans > 0 {
		p.log.WithField("retried", len(report.Results)).WithField("uploaded", len(uploaded)).WithField("orphans", report.Orphans).Info("upload cache sweep done")
	}
	if len(uploaded) > 0 {
		p.linkUploads(ctx, uploaded)
	}
	return report, nil
}

// linkUploads points recordings whose audio was parked in the cache at the
// URL the sweep obtained for it.
func (p *Pipeline) linkUploads(ctx context.Context, uploaded map[string]string) {
	recs, err := p.svc.Recordings.List(ctx)
	if err != nil {
		p.log.WithField("error", err.Error()).Warn("cannot link swept uploads to recordings")
		return
	}
	for i := range recs {
		rec := &recs[i]
		url, ok := uploaded[rec.UploadCacheKey]
		if rec.UploadCacheKey == "" || !ok {
			continue
		}
		rec.UploadCacheKey = ""
		if rec.AudioURL == "" {
			rec.AudioURL = url
		}
		if err := p.save(ctx, rec); err != nil {
			p.log.WithField("recording_id", rec.ID).WithField("error", err.Error()).Warn("failed to link swept upload")
			continue
		}
		p.log.WithField("recording_id", rec.ID).WithField("url", url).Info("swept upload linked to recording")
	}
}

// Sync pushes one recording to the bitable on demand.
func (p *Pipeline) Sync(ctx context.Context, id string) (*types.Recording, error) {
	if p.svc.Syncer == nil || !p.svc.Syncer.Configured() {
		return nil, feishu.ErrNotConfigured
	}
	rec, err := p.svc.Recordings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.syncRecord(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (p *Pipeline) syncRecord(ctx context.Context, rec *types.Recording) error {
	recordID, err := p.svc.Syncer.CreateRecord(ctx, rec)
	if err != nil {
		return fmt.Errorf("sync %s: %w", rec.ID, err)
	}
	rec.FeishuRecordID = recordID
	return p.save(ctx, rec)
}
