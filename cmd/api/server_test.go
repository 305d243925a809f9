package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
	"voicememo-go/internal/dataset"
	"voicememo-go/internal/extractor"
	"voicememo-go/internal/pipeline"
	"voicememo-go/internal/store"
	"voicememo-go/internal/transcription"
	"voicememo-go/internal/types"
	"voicememo-go/internal/upload"
)

type stubUploader struct{}

func (stubUploader) Upload(ctx context.Context, p upload.Payload) (upload.Result, error) {
	return upload.Result{URL: "https://files.example/" + p.Filename, Backend: "stub"}, nil
}

func (stubUploader) RetryFromCache(ctx context.Context) (upload.SweepReport, error) {
	return upload.SweepReport{Orphans: 2}, nil
}

func (stubUploader) Discard(ctx context.Context, cacheKey string) error { return nil }

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	demo := dataset.NewSet(rand.New(rand.NewPCG(7, 7)))
	p, err := pipeline.New(pipeline.Services{
		Blobs:       db.Blobs(),
		Recordings:  db.Recordings(),
		Uploader:    stubUploader{},
		Transcriber: transcription.Mock{},
		Analyzer:    extractor.Mock{},
		Demo:        demo,
	})
	if err != nil {
		t.Fatal(err)
	}
	return newServer(p, demo, nil, nil).routes()
}

func do(t *testing.T, h http.Handler, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRecordingLifecycle(t *testing.T) {
	h := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/recordings?duration_ms=4200&title=%E5%BC%A0%E6%80%BB", []byte("fake-wav"), "audio/wav")
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body)
	}
	var rec types.Recording
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.StatusCompleted || rec.DurationMs != 4200 || rec.Title != "张总" {
		t.Errorf("recording = %+v", rec)
	}
	if rec.Transcription.Text != transcription.MockText || rec.Analysis.CustomerInfo.Name != "张总" {
		t.Errorf("recording = %+v", rec)
	}

	if rr := do(t, h, http.MethodGet, "/recordings/"+rec.ID, nil, ""); rr.Code != http.StatusOK {
		t.Errorf("get: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/recordings", nil, "")
	var list []types.Recording
	json.Unmarshal(rr.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Errorf("list = %d recordings", len(list))
	}

	if rr := do(t, h, http.MethodPost, "/recordings/"+rec.ID+"/sync", nil, ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("sync without feishu: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/recordings/"+rec.ID, nil, ""); rr.Code != http.StatusNoContent {
		t.Errorf("delete: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/recordings/"+rec.ID, nil, ""); rr.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d", rr.Code)
	}
}

func TestCreateRecordingRejectsBadInput(t *testing.T) {
	h := newTestServer(t)
	if rr := do(t, h, http.MethodPost, "/recordings", nil, "audio/wav"); rr.Code != http.StatusBadRequest {
		t.Errorf("empty body: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/recordings?duration_ms=abc", []byte("x"), "audio/wav"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad duration: %d", rr.Code)
	}
}

func TestInsightsExportDemoAndSweep(t *testing.T) {
	h := newTestServer(t)
	do(t, h, http.MethodPost, "/recordings", []byte("a"), "audio/wav")

	rr := do(t, h, http.MethodGet, "/insights", nil, "")
	var out struct {
		Insight struct {
			Total          int            `json:"total"`
			BusinessCounts map[string]int `json:"business_counts"`
		} `json:"insight"`
		ActionCard struct {
			Action string `json:"action"`
		} `json:"action_card"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Insight.Total != 1 || out.Insight.BusinessCounts["面访跟踪"] != 1 || out.ActionCard.Action == "" {
		t.Errorf("insights = %s", rr.Body)
	}

	rr = do(t, h, http.MethodGet, "/export", nil, "")
	f, err := excelize.OpenReader(rr.Body)
	if err != nil {
		t.Fatalf("export is not xlsx: %v", err)
	}
	rows, _ := f.GetRows(f.GetSheetList()[0])
	f.Close()
	if len(rows) != 2 {
		t.Errorf("export rows = %d", len(rows))
	}

	rr = do(t, h, http.MethodGet, "/demo", nil, "")
	var demo []types.Recording
	json.Unmarshal(rr.Body.Bytes(), &demo)
	if len(demo) != 4 {
		t.Errorf("demo = %d recordings", len(demo))
	}

	rr = do(t, h, http.MethodPost, "/uploads/retry", nil, "")
	var report upload.SweepReport
	json.Unmarshal(rr.Body.Bytes(), &report)
	if report.Orphans != 2 {
		t.Errorf("report = %s", rr.Body)
	}

	if rr := do(t, h, http.MethodGet, "/healthz", nil, ""); rr.Code != http.StatusOK {
		t.Errorf("healthz: %d", rr.Code)
	}
}
