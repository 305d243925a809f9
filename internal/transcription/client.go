package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"voicememo-go/internal/logger"
	"voicememo-go/internal/relay"
)

var (
	ErrInvalidURL = errors.New("invalid audio url")
	ErrTimeout    = errors.New("transcription timed out")
)

var httpClient = &http.Client{Timeout: 12 * time.Second}

type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusRunning   TaskStatus = "RUNNING"
	StatusSucceeded TaskStatus = "SUCCEEDED"
	StatusFailed    TaskStatus = "FAILED"
)

// TaskFailedError carries the provider's output for a FAILED task.
type TaskFailedError struct {
	TaskID string
	Output TaskOutput
}

func (e *TaskFailedError) Error() string {
	msg := e.Output.Message
	if msg == "" {
		msg = "task failed"
	}
	if e.Output.Code != "" {
		return fmt.Sprintf("transcription task %s failed: %s (%s)", e.TaskID, msg, e.Output.Code)
	}
	return fmt.Sprintf("transcription task %s failed: %s", e.TaskID, msg)
}

// APIError is a non-2xx answer from the ASR API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("asr api: HTTP %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
	// Relay, when set, routes every API call through the CORS relay.
	Relay relay.Resolver
	// Wait bounds the polling done by Transcribe.
	Wait WaitOptions
	Log  *logger.Logger
}

func NewClient(baseURL, apiKey, model string, resolver relay.Resolver, log *logger.Logger) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		HTTP:    httpClient,
		Relay:   resolver,
		Log:     logger.OrDiscard(log).Component("asr-client"),
	}
}

// Options are the recognition parameters sent with a submit.
type Options struct {
	LanguageHints      []string
	DisfluencyRemoval  bool
	TimestampAlignment bool
	Diarization        bool
	SpeakerCount       int
	AudioFormat        string
	VocabularyID       string
	Wait               WaitOptions
}

func DefaultOptions() Options {
	return Options{
		LanguageHints:      []string{"zh", "en"},
		DisfluencyRemoval:  true,
		TimestampAlignment: true,
	}
}

// AudioFormatHint maps a mime type onto the provider's audio_format values.
func AudioFormatHint(mime string) string {
	m := strings.ToLower(mime)
	switch {
	case strings.Contains(m, "mp3"), strings.Contains(m, "mpeg"):
		return "mp3"
	case strings.Contains(m, "m4a"), strings.Contains(m, "mp4"):
		return "m4a"
	default:
		return "wav"
	}
}

type SubmitResult struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"task_status"`
	RequestID string     `json:"request_id"`
}

type SubtaskResult struct {
	FileURL          string     `json:"file_url"`
	TranscriptionURL string     `json:"transcription_url,omitempty"`
	SubtaskStatus    TaskStatus `json:"subtask_status"`
	Code             string     `json:"code,omitempty"`
	Message          string     `json:"message,omitempty"`
}

type TaskMetrics struct {
	Total     int `json:"TOTAL"`
	Succeeded int `json:"SUCCEEDED"`
	Failed    int `json:"FAILED"`
}

type TaskOutput struct {
	TaskID      string          `json:"task_id"`
	TaskStatus  TaskStatus      `json:"task_status"`
	SubmitTime  string          `json:"submit_time,omitempty"`
	EndTime     string          `json:"end_time,omitempty"`
	Results     []SubtaskResult `json:"results,omitempty"`
	TaskMetrics *TaskMetrics    `json:"task_metrics,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
}

type TaskResult struct {
	Output    TaskOutput      `json:"output"`
	Usage     json.RawMessage `json:"usage,omitempty"`
	RequestID string          `json:"request_id"`
}

// Submit starts an async recognition job. Every URL must be an absolute
// http(s) URL; nothing is sent otherwise.
func (c *Client) Submit(ctx context.Context, urls []string, opts Options) (SubmitResult, error) {
	if len(urls) == 0 {
		return SubmitResult{}, fmt.Errorf("%w: no urls", ErrInvalidURL)
	}
	for _, u := range urls {
		if !validURL(u) {
			return SubmitResult{}, fmt.Errorf("%w: %q", ErrInvalidURL, u)
		}
	}

	params := map[string]any{
		"channel_id":                  []int{0},
		"language_hints":              opts.LanguageHints,
		"disfluency_removal_enabled":  opts.DisfluencyRemoval,
		"timestamp_alignment_enabled": opts.TimestampAlignment,
		"diarization_enabled":         opts.Diarization,
	}
	if len(opts.LanguageHints) == 0 {
		params["language_hints"] = []string{"zh", "en"}
	}
	if opts.Diarization && opts.SpeakerCount > 0 {
		params["speaker_count"] = opts.SpeakerCount
	}
	if opts.AudioFormat != "" {
		params["audio_format"] = opts.AudioFormat
	}
	if opts.VocabularyID != "" {
		params["vocabulary_id"] = opts.VocabularyID
	}
	body := map[string]any{
		"model":      c.Model,
		"input":      map[string]any{"file_urls": urls},
		"parameters": params,
	}

	var res TaskResult
	if err := c.call(ctx, c.BaseURL+"/services/audio/asr/transcription", body, true, &res); err != nil {
		return SubmitResult{}, fmt.Errorf("submit: %w", err)
	}
	if res.Output.TaskID == "" {
		return SubmitResult{}, fmt.Errorf("submit: response has no task_id")
	}
	c.logger().WithField("task_id", res.Output.TaskID).WithField("files", len(urls)).Info("transcription task submitted")
	return SubmitResult{TaskID: res.Output.TaskID, Status: res.Output.TaskStatus, RequestID: res.RequestID}, nil
}

// Poll reads the task status once.
func (c *Client) Poll(ctx context.Context, taskID string) (*TaskResult, error) {
	var res TaskResult
	if err := c.call(ctx, c.BaseURL+"/tasks/"+url.PathEscape(taskID), nil, false, &res); err != nil {
		return nil, fmt.Errorf("poll %s: %w", taskID, err)
	}
	return &res, nil
}

// Progress is reported after every poll, failed polls included.
type Progress struct {
	Attempt int
	Status  TaskStatus
	Result  *TaskResult
	Err     error
}

type WaitOptions struct {
	MaxAttempts int
	Interval    time.Duration
	OnProgress  func(Progress)
}

func (w WaitOptions) withDefaults() WaitOptions {
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 60
	}
	if w.Interval <= 0 {
		w.Interval = 2 * time.Second
	}
	return w
}

// AwaitCompletion polls until the task succeeds, fails, or the attempt
// budget runs out. Failed polls count against the budget and are retried.
func (c *Client) AwaitCompletion(ctx context.Context, taskID string, opts WaitOptions) (*TaskResult, error) {
	opts = opts.withDefaults()
	log := c.logger().WithField("task_id", taskID)
	var lastErr error

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		res, err := c.Poll(ctx, taskID)
		p := Progress{Attempt: attempt, Err: err}
		if err == nil {
			p.Status = res.Output.TaskStatus
			p.Result = res
		}
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			log.WithField("attempt", attempt).WithField("error", err.Error()).Warn("poll failed")
		case p.Status == StatusSucceeded:
			log.WithField("attempt", attempt).Info("transcription task succeeded")
			return res, nil
		case p.Status == StatusFailed:
			return nil, &TaskFailedError{TaskID: taskID, Output: res.Output}
		case p.Status == StatusPending || p.Status == StatusRunning:
			log.WithField("attempt", attempt).WithField("status", string(p.Status)).Debug("task in progress")
		default:
			lastErr = fmt.Errorf("unknown task status %q", p.Status)
			log.WithField("attempt", attempt).WithField("status", string(p.Status)).Warn("unknown task status")
		}

		if attempt == opts.MaxAttempts {
			break
		}
		t := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: task %s after %d polls: %v", ErrTimeout, taskID, opts.MaxAttempts, lastErr)
	}
	return nil, fmt.Errorf("%w: task %s after %d polls", ErrTimeout, taskID, opts.MaxAttempts)
}

// FileResult is the outcome for one submitted file.
type FileResult struct {
	FileURL       string  `json:"file_url"`
	Status        string  `json:"status"`
	Transcription *Detail `json:"transcription,omitempty"`
	Error         string  `json:"error,omitempty"`
	Code          string  `json:"code,omitempty"`
}

func (f FileResult) OK() bool { return f.Status == "success" }

// Recognize runs submit and wait, then fetches each transcript. Per-file
// failures become failed entries; the slice keeps the provider's order.
func (c *Client) Recognize(ctx context.Context, urls []string, opts Options) ([]FileResult, error) {
	sub, err := c.Submit(ctx, urls, opts)
	if err != nil {
		return nil, err
	}
	res, err := c.AwaitCompletion(ctx, sub.TaskID, opts.Wait)
	if err != nil {
		return nil, err
	}

	out := make([]FileResult, len(res.Output.Results))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, r := range res.Output.Results {
		if r.SubtaskStatus != StatusSucceeded || r.TranscriptionURL == "" {
			out[i] = FileResult{FileURL: r.FileURL, Status: "failed", Error: orDefault(r.Message, "recognition failed"), Code: r.Code}
			continue
		}
		g.Go(func() error {
			detail, err := c.fetchTranscript(gctx, r.TranscriptionURL)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger().WithField("file_url", r.FileURL).WithField("error", err.Error()).Warn("transcript download failed")
				out[i] = FileResult{FileURL: r.FileURL, Status: "failed", Error: err.Error(), Code: "FETCH_FAILED"}
				return nil
			}
			out[i] = FileResult{FileURL: r.FileURL, Status: "success", Transcription: detail}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// call POSTs body (or an empty body) to endpoint and decodes the JSON answer.
func (c *Client) call(ctx context.Context, endpoint string, body any, async bool, out any) error {
	target, err := relay.Route(ctx, c.Relay, endpoint)
	if err != nil {
		return err
	}
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if async {
		req.Header.Set("X-DashScope-Async", "enable")
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: apiMessage(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// fetchTranscript downloads a result document, retrying server errors.
func (c *Client) fetchTranscript(ctx context.Context, transcriptURL string) (*Detail, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 12 * time.Second

	var detail Detail
	var lastErr error
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, transcriptURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client().Do(req)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: HTTP %d", resp.StatusCode)
			return lastErr
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("download failed: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
			return backoff.Permanent(lastErr)
		}
		if err := json.Unmarshal(body, &detail); err != nil {
			lastErr = fmt.Errorf("decode transcript: %w", err)
			return backoff.Permanent(lastErr)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return &detail, nil
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return httpClient
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func apiMessage(raw []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return truncate(strings.TrimSpace(string(raw)), 200)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func (c *Client) logger() *logger.Logger {
	if c.Log == nil {
		return logger.Discard()
	}
	return c.Log
}
