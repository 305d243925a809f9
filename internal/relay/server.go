package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voicememo-go/internal/logger"
)

// DefaultAllowlist holds the only hosts the relay forwards to: the ASR
// provider, the LLM gateway and the bitable backend.
var DefaultAllowlist = []string{
	"dashscope.aliyuncs.com",
	"api.302.ai",
	"open.feishu.cn",
}

var forwardedRequestHeaders = []string{"Authorization", "Content-Type", "X-DashScope-Async"}

var blockedResponseHeaders = map[string]bool{
	"access-control-allow-origin":  true,
	"access-control-allow-headers": true,
	"access-control-allow-methods": true,
	"content-encoding":             true,
	"content-length":               true,
	"transfer-encoding":            true,
	"connection":                   true,
}

// Handler forwards ?url= requests to allowlisted hosts and adds permissive
// CORS headers to every response.
type Handler struct {
	allow  map[string]bool
	client *http.Client
	log    *logger.Logger
	now    func() time.Time
}

func NewHandler(allowlist []string, client *http.Client, log *logger.Logger) *Handler {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	allow := make(map[string]bool, len(allowlist))
	for _, h := range allowlist {
		allow[strings.ToLower(h)] = true
	}
	return &Handler{
		allow:  allow,
		client: client,
		log:    logger.OrDiscard(log).Component("relay"),
		now:    time.Now,
	}
}

// Forwards reports whether a relay configured with allowlist accepts target.
func Forwards(allowlist []string, target string) bool {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return false
	}
	for _, h := range allowlist {
		if strings.EqualFold(h, u.Hostname()) {
			return true
		}
	}
	return false
}

// Allowed reports whether the relay forwards to hostname.
func (h *Handler) Allowed(hostname string) bool {
	return h.allow[strings.ToLower(hostname)]
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/healthz") {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"message":   "relay running",
			"timestamp": h.now().UTC().Format(time.RFC3339),
		})
		return
	}

	log := h.log.WithRequest(r)
	target := r.URL.Query().Get("url")
	if target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing url parameter"})
		return
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid url"})
		return
	}
	if !h.Allowed(u.Hostname()) {
		log.WithField("target_host", u.Hostname()).Warn("relay target not allowed")
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Domain not allowed"})
		return
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "proxy_error", "message": err.Error()})
		return
	}
	for _, k := range forwardedRequestHeaders {
		if v := r.Header.Get(k); v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		log.WithField("target_host", u.Hostname()).WithField("error", err.Error()).Error("upstream request failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "proxy_error", "message": err.Error()})
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if blockedResponseHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.WithField("error", err.Error()).Warn("copy upstream body")
	}
	log.WithField("target_host", u.Hostname()).WithField("status", resp.StatusCode).Debug("relayed")
}

func setCORS(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	allowHeaders := r.Header.Get("Access-Control-Request-Headers")
	if allowHeaders == "" {
		allowHeaders = "Content-Type, Authorization, X-DashScope-Async"
	}
	h.Set("Access-Control-Allow-Headers", allowHeaders)
	h.Set("Access-Control-Max-Age", "600")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
