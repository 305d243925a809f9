package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"voicememo-go/internal/audio"
	"voicememo-go/internal/logger"
	"voicememo-go/internal/types"
)

// CacheKeyPrefix namespaces cached uploads inside the blob store.
const CacheKeyPrefix = "upload_cache_"

type Payload struct {
	Filename string
	MimeType string
	Data     []byte
}

func (p Payload) Size() int64 { return int64(len(p.Data)) }

// Backend is one public file host.
type Backend interface {
	Name() string
	MaxSize() int64
	Upload(ctx context.Context, p Payload) (string, error)
}

// Cache is where audio goes when no backend accepts it.
type Cache interface {
	Stash(ctx context.Context, e types.UploadCacheEntry, blob types.Blob) error
	Entries(ctx context.Context) ([]types.UploadCacheEntry, error)
	Blob(ctx context.Context, ref string) (*types.Blob, error)
	Drop(ctx context.Context, e types.UploadCacheEntry) error
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	default:
		return "exhausted"
	}
}

// AttemptResult is the outcome of a single upload attempt at one backend.
type AttemptResult struct {
	Outcome Outcome
	URL     string
	Err     error
}

type Result struct {
	URL      string `json:"url"`
	Backend  string `json:"backend"`
	Filename string `json:"filename"`
}

type Options struct {
	// MaxAttempts is the total number of tries per backend.
	MaxAttempts int
	// RetryUnit is multiplied by the attempt number between retries.
	RetryUnit time.Duration
	// Cooldown keeps a backend out of rotation after a non-network failure.
	Cooldown time.Duration
}

func DefaultOptions() Options {
	return Options{MaxAttempts: 2, RetryUnit: time.Second, Cooldown: 5 * time.Minute}
}

type Broker struct {
	backends []Backend
	state    *State
	cache    Cache
	opts     Options
	log      *logger.Logger

	sweepMu sync.Mutex
}

func NewBroker(backends []Backend, state *State, cache Cache, opts Options, log *logger.Logger) *Broker {
	if state == nil {
		state = NewState(nil)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Broker{
		backends: backends,
		state:    state,
		cache:    cache,
		opts:     opts,
		log:      logger.OrDiscard(log).Component("upload-broker"),
	}
}

func (b *Broker) State() *State { return b.state }

func (b *Broker) Backends() []Backend { return b.backends }

// Upload returns a public URL for p. When every backend fails the audio is
// cached and a *CachedError comes back instead.
func (b *Broker) Upload(ctx context.Context, p Payload) (Result, error) {
	if p.Filename == "" {
		p.Filename = audio.Filename(p.MimeType, b.state.now())
	}
	if p.Size() > b.maxSize() {
		return Result{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, p.Size())
	}

	res, err := b.tryAll(ctx, p)
	if err == nil {
		return res, nil
	}
	b.log.WithField("filename", p.Filename).WithField("error", err.Error()).Warn("all upload backends failed, caching locally")

	key := fmt.Sprintf("%s%d_%s", CacheKeyPrefix, b.state.now().UnixMilli(), uuid.NewString())
	entry := types.UploadCacheEntry{
		CacheKey:  key,
		BlobRef:   key,
		Filename:  p.Filename,
		SizeBytes: p.Size(),
		MimeType:  p.MimeType,
		CreatedAt: b.state.now(),
	}
	if b.cache == nil {
		return Result{}, fmt.Errorf("%w: no cache configured: %v", ErrUnrecoverable, err)
	}
	// the caller may have given up; the audio still has to land in the cache
	if cerr := b.cache.Stash(context.WithoutCancel(ctx), entry, types.Blob{Data: p.Data, MimeType: p.MimeType}); cerr != nil {
		b.log.WithField("error", cerr.Error()).Error("local upload cache failed")
		return Result{}, fmt.Errorf("%w: %v", ErrUnrecoverable, errors.Join(err, cerr))
	}
	return Result{}, &CachedError{CacheKey: key, Cause: err}
}

func (b *Broker) maxSize() int64 {
	var m int64
	for _, be := range b.backends {
		if be.MaxSize() > m {
			m = be.MaxSize()
		}
	}
	return m
}

// tryAll walks the backends round-robin from the sticky index.
func (b *Broker) tryAll(ctx context.Context, p Payload) (Result, error) {
	n := len(b.backends)
	start := b.state.Sticky()
	var errs []error

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		be := b.backends[idx]
		log := b.log.WithField("backend", be.Name()).WithField("filename", p.Filename)

		if !b.state.Available(be.Name()) {
			log.Debug("backend cooling down, skipped")
			continue
		}
		if p.Size() > be.MaxSize() {
			log.WithField("size", p.Size()).Debug("payload too large for backend, skipped")
			continue
		}

		r := b.tryBackend(ctx, be, p)
		if r.Outcome == OutcomeSuccess {
			b.state.setSticky(idx)
			log.WithField("url", r.URL).Info("upload succeeded")
			return Result{URL: r.URL, Backend: be.Name(), Filename: p.Filename}, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", be.Name(), r.Err))
		if ctx.Err() != nil {
			break
		}
		if !IsNetworkError(r.Err) {
			b.state.markUnavailable(be.Name(), b.opts.Cooldown)
			log.WithField("error", r.Err.Error()).WithField("cooldown", b.opts.Cooldown.String()).Warn("backend marked unavailable")
		} else {
			log.WithField("error", r.Err.Error()).Warn("backend unreachable after retries")
		}
	}

	if len(errs) == 0 {
		return Result{}, ErrNoBackend
	}
	return Result{}, errors.Join(errs...)
}

// tryBackend retries network failures with a linearly growing delay and
// gives up on anything else immediately.
func (b *Broker) tryBackend(ctx context.Context, be Backend, p Payload) AttemptResult {
	var last AttemptResult
	attemptNo := 0
	op := func() error {
		attemptNo++
		last = b.attempt(ctx, be, p, attemptNo)
		switch last.Outcome {
		case OutcomeSuccess:
			return nil
		case OutcomeRetry:
			b.log.WithField("backend", be.Name()).WithField("attempt", attemptNo).
				WithField("error", last.Err.Error()).Warn("network error, retrying")
			return last.Err
		default:
			return backoff.Permanent(last.Err)
		}
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{unit: b.opts.RetryUnit}, uint64(b.opts.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		if last.Err == nil {
			last.Err = err
		}
		return AttemptResult{Outcome: OutcomeExhausted, Err: last.Err}
	}
	return last
}

func (b *Broker) attempt(ctx context.Context, be Backend, p Payload, n int) AttemptResult {
	url, err := be.Upload(ctx, p)
	if err == nil {
		return AttemptResult{Outcome: OutcomeSuccess, URL: url}
	}
	if IsNetworkError(err) && n < b.opts.MaxAttempts {
		return AttemptResult{Outcome: OutcomeRetry, Err: err}
	}
	return AttemptResult{Outcome: OutcomeExhausted, Err: err}
}

// linearBackOff waits attempt × unit.
type linearBackOff struct {
	unit time.Duration
	n    int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.unit
}

func (l *linearBackOff) Reset() { l.n = 0 }

type SweepResult struct {
	CacheKey string `json:"cache_key"`
	Filename string `json:"filename,omitempty"`
	Success  bool   `json:"success"`
	URL      string `json:"url,omitempty"`
	Backend  string `json:"backend,omitempty"`
	Error    string `json:"error,omitempty"`
}

type SweepReport struct {
	Results []SweepResult `json:"results"`
	Orphans int           `json:"orphans_removed"`
}

// RetryFromCache re-uploads every cached entry. Successful entries are
// removed with their blob; failures stay for the next sweep. Metadata whose
// blob has disappeared is dropped.
func (b *Broker) RetryFromCache(ctx context.Context) (SweepReport, error) {
	b.sweepMu.Lock()
	defer b.sweepMu.Unlock()

	var report SweepReport
	if b.cache == nil {
		return report, nil
	}
	entries, err := b.cache.Entries(ctx)
	if err != nil {
		return report, fmt.Errorf("list cached uploads: %w", err)
	}

	for _, e := range entries {
		log := b.log.WithField("cache_key", e.CacheKey).WithField("filename", e.Filename)
		blob, err := b.cache.Blob(ctx, e.BlobRef)
		if err != nil {
			report.Results = append(report.Results, SweepResult{CacheKey: e.CacheKey, Filename: e.Filename, Error: err.Error()})
			continue
		}
		if blob == nil {
			if err := b.cache.Drop(ctx, e); err != nil {
				log.WithField("error", err.Error()).Warn("failed to drop orphaned cache entry")
			} else {
				report.Orphans++
				log.Info("dropped cache entry with missing blob")
			}
			continue
		}

		res, err := b.tryAll(ctx, Payload{Filename: e.Filename, MimeType: e.MimeType, Data: blob.Data})
		if err != nil {
			log.WithField("error", err.Error()).Warn("cached upload still failing")
			report.Results = append(report.Results, SweepResult{CacheKey: e.CacheKey, Filename: e.Filename, Error: err.Error()})
			continue
		}
		if err := b.cache.Drop(ctx, e); err != nil {
			log.WithField("error", err.Error()).Warn("uploaded but failed to clear cache entry")
		}
		log.WithField("url", res.URL).Info("cached upload succeeded")
		report.Results = append(report.Results, SweepResult{
			CacheKey: e.CacheKey, Filename: e.Filename, Success: true, URL: res.URL, Backend: res.Backend,
		})
	}
	return report, nil
}

// Discard drops the cached upload stored under cacheKey, if any. A sweep in
// progress finishes first so the entry is not uploaded after removal.
func (b *Broker) Discard(ctx context.Context, cacheKey string) error {
	if b.cache == nil || cacheKey == "" {
		return nil
	}
	b.sweepMu.Lock()
	defer b.sweepMu.Unlock()

	entries, err := b.cache.Entries(ctx)
	if err != nil {
		return fmt.Errorf("list cached uploads: %w", err)
	}
	for _, e := range entries {
		if e.CacheKey != cacheKey {
			continue
		}
		if err := b.cache.Drop(ctx, e); err != nil {
			return fmt.Errorf("discard cached upload %s: %w", cacheKey, err)
		}
		b.log.WithField("cache_key", cacheKey).Info("cached upload discarded")
		return nil
	}
	return nil
}
