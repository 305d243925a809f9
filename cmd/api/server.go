package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"voicememo-go/internal/actionable"
	"voicememo-go/internal/aggregator"
	"voicememo-go/internal/dataset"
	"voicememo-go/internal/feishu"
	"voicememo-go/internal/logger"
	"voicememo-go/internal/pipeline"
	"voicememo-go/internal/relay"
	"voicememo-go/internal/store"
)

// maxAudioBytes matches the largest public upload backend.
const maxAudioBytes = 512 << 20

type server struct {
	p       *pipeline.Pipeline
	demo    *dataset.Set
	locator *relay.Locator // optional
	log     *logger.Logger
}

func newServer(p *pipeline.Pipeline, demo *dataset.Set, locator *relay.Locator, log *logger.Logger) *server {
	return &server{p: p, demo: demo, locator: locator, log: logger.OrDiscard(log)}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("POST /recordings", s.createRecording)
	mux.HandleFunc("GET /recordings", s.listRecordings)
	mux.HandleFunc("GET /recordings/{id}", s.getRecording)
	mux.HandleFunc("DELETE /recordings/{id}", s.deleteRecording)
	mux.HandleFunc("POST /recordings/{id}/sync", s.syncRecording)
	mux.HandleFunc("POST /uploads/retry", s.retryUploads)
	mux.HandleFunc("GET /insights", s.insights)
	mux.HandleFunc("GET /export", s.export)
	mux.HandleFunc("GET /demo", s.demoRecordings)
	return mux
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)}
	if s.locator != nil {
		current, probes := s.locator.Status()
		out["relay"] = map[string]any{"current": current, "probes": probes}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) createRecording(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "create-recording")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBytes))
	if err != nil {
		reqLog.WithField("error", err.Error()).Warn("failed to read audio body")
		writeError(w, http.StatusRequestEntityTooLarge, "audio too large or unreadable")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty audio body")
		return
	}
	in := pipeline.CaptureInput{
		Audio:    data,
		MimeType: r.Header.Get("Content-Type"),
		Title:    r.URL.Query().Get("title"),
	}
	if v := r.URL.Query().Get("duration_ms"); v != "" {
		d, err := strconv.ParseInt(v, 10, 64)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid duration_ms")
			return
		}
		in.DurationMs = d
	}
	reqLog = reqLog.WithField("mime_type", in.MimeType).WithField("size", len(data))

	start := time.Now()
	rec, err := s.p.Run(r.Context(), in)
	if err != nil {
		reqLog.WithField("error", err.Error()).Error("pipeline failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	reqLog.WithField("recording_id", rec.ID).WithField("status", string(rec.Status)).
		WithField("duration_ms", time.Since(start).Milliseconds()).Info("recording processed")
	writeJSON(w, http.StatusCreated, rec)
}

func (s *server) listRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.p.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *server) getRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.p.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) deleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.p.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) syncRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.p.Sync(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) retryUploads(w http.ResponseWriter, r *http.Request) {
	report, err := s.p.RetryPendingUploads(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) insights(w http.ResponseWriter, r *http.Request) {
	recs, err := s.p.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ins := aggregator.Aggregate(recs)
	writeJSON(w, http.StatusOK, map[string]any{
		"insight":     ins,
		"action_card": actionable.Generate(ins),
	})
}

func (s *server) export(w http.ResponseWriter, r *http.Request) {
	recs, err := s.p.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	name := fmt.Sprintf("recordings-%s.xlsx", time.Now().Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if err := dataset.Export(w, recs); err != nil {
		s.log.WithRequest(r).WithField("error", err.Error()).Error("export failed")
	}
}

func (s *server) demoRecordings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.demo.All())
}

// fail maps domain errors onto status codes.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, feishu.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	}
	entry := s.log.WithRequest(r).WithField("error", err.Error())
	if status == http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request failed")
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
