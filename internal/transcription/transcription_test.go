package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"voicememo-go/internal/relay"
	"voicememo-go/internal/types"
)

// fakeASR serves submit and poll; each poll consumes the next status.
type fakeASR struct {
	t        *testing.T
	mu       sync.Mutex
	statuses []TaskStatus
	results  []SubtaskResult
	polls    atomic.Int32
	submits  atomic.Int32
	submit   map[string]any
	headers  http.Header
}

func (f *fakeASR) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/services/audio/asr/transcription"):
		f.submits.Add(1)
		f.mu.Lock()
		f.headers = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&f.submit)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"output":     map[string]any{"task_id": "task-1", "task_status": "PENDING"},
			"request_id": "req-1",
		})
	case strings.HasPrefix(r.URL.Path, "/tasks/"):
		n := int(f.polls.Add(1)) - 1
		f.mu.Lock()
		status := f.statuses[len(f.statuses)-1]
		if n < len(f.statuses) {
			status = f.statuses[n]
		}
		f.mu.Unlock()
		if status == "ERR" {
			http.Error(w, `{"message":"throttled"}`, http.StatusServiceUnavailable)
			return
		}
		out := map[string]any{"task_id": "task-1", "task_status": status}
		if status == StatusSucceeded || status == StatusFailed {
			out["results"] = f.results
		}
		if status == StatusFailed {
			out["code"] = "InvalidFile.DownloadFailed"
			out["message"] = "file download failed"
		}
		json.NewEncoder(w).Encode(map[string]any{"output": out, "request_id": "req-2"})
	default:
		f.t.Errorf("unexpected path %s", r.URL.Path)
		http.NotFound(w, r)
	}
}

func newFake(t *testing.T, statuses ...TaskStatus) (*fakeASR, *Client) {
	t.Helper()
	f := &fakeASR{t: t, statuses: statuses}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "sk-test", "paraformer-v2", nil, nil)
	c.HTTP = srv.Client()
	return f, c
}

func fastWait(n int, onProgress func(Progress)) WaitOptions {
	return WaitOptions{MaxAttempts: n, Interval: time.Millisecond, OnProgress: onProgress}
}

func TestAwaitCompletionReturnsOnSuccess(t *testing.T) {
	f, c := newFake(t, StatusPending, StatusRunning, StatusSucceeded)
	var seen []TaskStatus
	res, err := c.AwaitCompletion(context.Background(), "task-1", fastWait(10, func(p Progress) {
		seen = append(seen, p.Status)
	}))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.Output.TaskStatus != StatusSucceeded {
		t.Errorf("status = %s", res.Output.TaskStatus)
	}
	if len(seen) != 3 || seen[2] != StatusSucceeded {
		t.Errorf("progress = %v, want 3 calls ending in SUCCEEDED", seen)
	}
	if got := f.polls.Load(); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
}

func TestAwaitCompletionTimesOut(t *testing.T) {
	f, c := newFake(t, StatusPending)
	calls := 0
	_, err := c.AwaitCompletion(context.Background(), "task-1", fastWait(5, func(Progress) { calls++ }))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if calls != 5 {
		t.Errorf("progress calls = %d, want 5", calls)
	}
	time.Sleep(20 * time.Millisecond)
	if got := f.polls.Load(); got != 5 {
		t.Errorf("polls = %d, want exactly 5", got)
	}
}

func TestAwaitCompletionFailedPollsCountAndRecover(t *testing.T) {
	_, c := newFake(t, "ERR", StatusRunning, "ERR", StatusSucceeded)
	var errs int
	_, err := c.AwaitCompletion(context.Background(), "task-1", fastWait(4, func(p Progress) {
		if p.Err != nil {
			errs++
		}
	}))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if errs != 2 {
		t.Errorf("failed polls reported = %d, want 2", errs)
	}

	_, c = newFake(t, "ERR")
	_, err = c.AwaitCompletion(context.Background(), "task-1", fastWait(3, nil))
	var apiErr *APIError
	if !errors.Is(err, ErrTimeout) || !strings.Contains(err.Error(), "throttled") {
		t.Errorf("got %v, want timeout carrying the last poll error", err)
	}
	if errors.As(err, &apiErr) {
		t.Error("timeout should not unwrap to the poll error")
	}
}

func TestAwaitCompletionFailedTask(t *testing.T) {
	_, c := newFake(t, StatusRunning, StatusFailed)
	_, err := c.AwaitCompletion(context.Background(), "task-1", fastWait(10, nil))
	var failed *TaskFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("got %v, want *TaskFailedError", err)
	}
	if failed.Output.Code != "InvalidFile.DownloadFailed" {
		t.Errorf("code = %s", failed.Output.Code)
	}
}

func TestAwaitCompletionHonoursContext(t *testing.T) {
	_, c := newFake(t, StatusPending)
	ctx, cancel := context.WithCancel(context.Background())
	opts := WaitOptions{MaxAttempts: 100, Interval: time.Hour, OnProgress: func(Progress) { cancel() }}
	_, err := c.AwaitCompletion(ctx, "task-1", opts)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestSubmitRejectsInvalidURLWithoutNetwork(t *testing.T) {
	f, c := newFake(t, StatusPending)
	for _, u := range []string{"", "not a url", "ftp://host/a.wav", "/relative.wav"} {
		_, err := c.Submit(context.Background(), []string{"https://ok.example/a.wav", u}, DefaultOptions())
		if !errors.Is(err, ErrInvalidURL) {
			t.Errorf("Submit(%q) = %v, want ErrInvalidURL", u, err)
		}
	}
	if got := f.submits.Load(); got != 0 {
		t.Errorf("submits = %d, want 0", got)
	}
}

func TestSubmitBodyAndHeaders(t *testing.T) {
	f, c := newFake(t, StatusPending)
	opts := DefaultOptions()
	opts.AudioFormat = "wav"
	sub, err := c.Submit(context.Background(), []string{"https://files.example/a.wav"}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if sub.TaskID != "task-1" || sub.Status != StatusPending || sub.RequestID != "req-1" {
		t.Errorf("submit = %+v", sub)
	}
	if f.headers.Get("X-DashScope-Async") != "enable" || f.headers.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("headers = %v", f.headers)
	}
	params := f.submit["parameters"].(map[string]any)
	if params["audio_format"] != "wav" || params["diarization_enabled"] != false || params["timestamp_alignment_enabled"] != true {
		t.Errorf("parameters = %v", params)
	}
	if _, ok := params["speaker_count"]; ok {
		t.Error("speaker_count sent with diarization off")
	}
	if f.submit["model"] != "paraformer-v2" {
		t.Errorf("model = %v", f.submit["model"])
	}
}

func TestSubmitErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"InvalidApiKey","message":"Invalid API-key provided."}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "bad", "paraformer-v2", nil, nil)
	_, err := c.Submit(context.Background(), []string{"https://files.example/a.wav"}, DefaultOptions())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 || apiErr.Message != "Invalid API-key provided." {
		t.Errorf("got %v", err)
	}
}

func transcriptServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{
			"properties": {"original_duration_in_milliseconds": 4200, "audio_format": "wav", "original_sampling_rate": 16000},
			"transcripts": [{"text": "你好，张总。", "sentences": [
				{"text": "你好，", "begin_time": 100, "end_time": 900, "words": [{"text": "你好", "begin_time": 100, "end_time": 900, "punctuation": "，"}]},
				{"text": "张总。", "begin_time": 1000, "end_time": 2500, "speaker_id": 1, "words": [{"text": "张总", "begin_time": 1000, "end_time": 2500}]}
			]}]
		}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRecognizeKeepsOrderAndReportsPartialFailure(t *testing.T) {
	ts := transcriptServer(t)
	f, c := newFake(t, StatusRunning, StatusSucceeded)
	f.results = []SubtaskResult{
		{FileURL: "https://files.example/1.wav", SubtaskStatus: StatusSucceeded, TranscriptionURL: ts.URL + "/ok"},
		{FileURL: "https://files.example/2.wav", SubtaskStatus: StatusFailed, Code: "InvalidFile.Decode", Message: "cannot decode"},
		{FileURL: "https://files.example/3.wav", SubtaskStatus: StatusSucceeded, TranscriptionURL: ts.URL + "/broken"},
		{FileURL: "https://files.example/4.wav", SubtaskStatus: StatusSucceeded, TranscriptionURL: ts.URL + "/ok"},
	}
	opts := DefaultOptions()
	opts.Wait = fastWait(5, nil)
	urls := []string{"https://files.example/1.wav", "https://files.example/2.wav", "https://files.example/3.wav", "https://files.example/4.wav"}

	got, err := c.Recognize(context.Background(), urls, opts)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("results = %d, want 4", len(got))
	}
	for i, r := range got {
		if r.FileURL != urls[i] {
			t.Errorf("result %d is for %s", i, r.FileURL)
		}
	}
	if !got[0].OK() || !got[3].OK() {
		t.Errorf("expected successes at 0 and 3: %+v", got)
	}
	if got[1].Status != "failed" || got[1].Code != "InvalidFile.Decode" || got[1].Error != "cannot decode" {
		t.Errorf("failed subtask = %+v", got[1])
	}
	if got[2].Status != "failed" || got[2].Code != "FETCH_FAILED" {
		t.Errorf("fetch failure = %+v", got[2])
	}
}

func TestNormalize(t *testing.T) {
	speaker := 1
	d := &Detail{Properties: Properties{OriginalDurationMs: 4200, AudioFormat: "wav", OriginalSamplingRate: 16000}}
	d.Transcripts = append(d.Transcripts, struct {
		Text      string     `json:"text"`
		Sentences []Sentence `json:"sentences"`
	}{
		Text: "你好，张总。",
		Sentences: []Sentence{
			{Text: "你好，", BeginTime: 100, EndTime: 900, Words: []DetailWord{{Text: "你好", BeginTime: 100, EndTime: 900, Punctuation: "，"}}},
			{Text: "张总。", BeginTime: 1000, EndTime: 2500, SpeakerID: &speaker, Words: []DetailWord{{Text: "张总", BeginTime: 1000, EndTime: 2500}}},
		},
	})

	tr := Normalize(d)
	if tr.Text != "你好，张总。" || tr.DurationMs != 4200 || tr.SamplingRate != 16000 || tr.Provenance != types.ProvenanceReal {
		t.Errorf("transcription = %+v", tr)
	}
	if len(tr.Segments) != 2 {
		t.Fatalf("segments = %d", len(tr.Segments))
	}
	s0, s1 := tr.Segments[0], tr.Segments[1]
	if s0.StartTimeSec != 0.1 || s0.EndTimeSec != 0.9 || s0.SpeakerID != 0 || s0.Confidence != SegmentConfidence {
		t.Errorf("segment 0 = %+v", s0)
	}
	if s1.SpeakerID != 1 || s1.Words[0].Punctuation != "" || s1.Words[0].EndTimeSec != 2.5 {
		t.Errorf("segment 1 = %+v", s1)
	}
}

func TestTranscribeThroughRelay(t *testing.T) {
	ts := transcriptServer(t)
	f := &fakeASR{t: t, statuses: []TaskStatus{StatusSucceeded}}
	f.results = []SubtaskResult{{FileURL: "https://files.example/a.m4a", SubtaskStatus: StatusSucceeded, TranscriptionURL: ts.URL + "/ok"}}
	asr := httptest.NewServer(f)
	defer asr.Close()

	// a relay that forwards ?url= to the fake provider
	var relayed atomic.Int32
	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relayed.Add(1)
		target := r.URL.Query().Get("url")
		req, _ := http.NewRequest(r.Method, target, r.Body)
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
	defer relaySrv.Close()

	c := NewClient(asr.URL, "sk-test", "paraformer-v2", relay.Static(relaySrv.URL), nil)
	c.Wait = fastWait(3, nil)
	tr, err := c.Transcribe(context.Background(), "https://files.example/a.m4a", "audio/mp4")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.Text != "你好，张总。" {
		t.Errorf("text = %q", tr.Text)
	}
	if relayed.Load() != 2 {
		t.Errorf("relayed calls = %d, want submit and poll", relayed.Load())
	}
	params := f.submit["parameters"].(map[string]any)
	if params["audio_format"] != "m4a" {
		t.Errorf("audio_format = %v", params["audio_format"])
	}

	c.Relay = relay.Static("")
	if _, err := c.Transcribe(context.Background(), "https://files.example/a.m4a", "audio/mp4"); !errors.Is(err, relay.ErrNoRelay) {
		t.Errorf("got %v, want ErrNoRelay", err)
	}
}

func TestMock(t *testing.T) {
	tr, err := Mock{}.Transcribe(context.Background(), "", "")
	if err != nil || tr.Text != MockText || tr.Provenance != types.ProvenanceFallback {
		t.Errorf("mock = %+v, %v", tr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Mock{Delay: time.Hour}).Transcribe(ctx, "", ""); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v", err)
	}
}

func TestAudioFormatHint(t *testing.T) {
	cases := map[string]string{"audio/mpeg": "mp3", "audio/mp4": "m4a", "audio/x-m4a": "m4a", "audio/wav": "wav", "": "wav"}
	for in, want := range cases {
		if got := AudioFormatHint(in); got != want {
			t.Errorf("AudioFormatHint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestErrorBodyTruncatedOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("任务失败", 40)
	got := truncate(body, 200)
	if !utf8.ValidString(got) {
		t.Errorf("truncate produced invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") || len(got) > 203 {
		t.Errorf("got %d bytes %q", len(got), got)
	}
}
