package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"voicememo-go/internal/relay"
)

const mb = 1024 * 1024

// DefaultBackendNames is the default rotation order.
var DefaultBackendNames = []string{"tmpfiles", "0x0", "fileio", "catbox", "uguu"}

// NewBackends builds the named hosts in the given order. Unknown names are
// reported, not skipped. Hosts go through resolver only when relayHosts
// says the relay forwards to them; the rest are called directly.
func NewBackends(names []string, client *http.Client, resolver relay.Resolver, relayHosts []string) ([]Backend, error) {
	if len(names) == 0 {
		names = DefaultBackendNames
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	var out []Backend
	for _, n := range names {
		switch strings.ToLower(n) {
		case "tmpfiles":
			const ep = "https://tmpfiles.org/api/v1/upload"
			out = append(out, &TmpFiles{Client: client, Endpoint: ep, Relay: relayFor(resolver, relayHosts, ep)})
		case "0x0":
			out = append(out, &ZeroX0{Client: client, Endpoint: "https://0x0.st"})
		case "fileio":
			const ep = "https://www.file.io"
			out = append(out, &FileIO{Client: client, Endpoint: ep, Relay: relayFor(resolver, relayHosts, ep)})
		case "catbox":
			out = append(out, &Catbox{Client: client, Endpoint: "https://catbox.moe/user/api.php"})
		case "uguu":
			out = append(out, &Uguu{Client: client, Endpoint: "https://uguu.se/upload.php"})
		default:
			return nil, fmt.Errorf("unknown upload backend %q", n)
		}
	}
	return out, nil
}

func relayFor(resolver relay.Resolver, relayHosts []string, endpoint string) relay.Resolver {
	if resolver == nil || !relay.Forwards(relayHosts, endpoint) {
		return nil
	}
	return resolver
}

// TmpFiles uploads to tmpfiles.org and prefers its /dl/ direct link when a
// HEAD confirms it serves audio.
type TmpFiles struct {
	Client   *http.Client
	Endpoint string
	Relay    relay.Resolver
}

func (t *TmpFiles) Name() string   { return "tmpfiles" }
func (t *TmpFiles) MaxSize() int64 { return 100 * mb }

func (t *TmpFiles) Upload(ctx context.Context, p Payload) (string, error) {
	body, err := postMultipart(ctx, t.Client, t.Name(), t.Endpoint, nil, "file", p)
	if err != nil {
		return "", err
	}
	var res struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("tmpfiles: decode response: %v", err)
	}
	if res.Status != "success" || res.Data.URL == "" {
		return "", fmt.Errorf("tmpfiles: upload rejected: %s", orDefault(res.Message, res.Status))
	}

	fileURL := res.Data.URL
	if strings.HasPrefix(fileURL, "http://") {
		fileURL = "https://" + strings.TrimPrefix(fileURL, "http://")
	}
	direct := strings.Replace(fileURL, "tmpfiles.org/", "tmpfiles.org/dl/", 1)
	if t.servesAudio(ctx, direct) {
		return direct, nil
	}
	return fileURL, nil
}

func (t *TmpFiles) servesAudio(ctx context.Context, target string) bool {
	checkURL, err := relay.Route(ctx, t.Relay, target)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, checkURL, nil)
	if err != nil {
		return false
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "audio/")
}

// ZeroX0 uploads to 0x0.st, which answers with the URL as plain text.
type ZeroX0 struct {
	Client   *http.Client
	Endpoint string
}

func (z *ZeroX0) Name() string   { return "0x0" }
func (z *ZeroX0) MaxSize() int64 { return 512 * mb }

func (z *ZeroX0) Upload(ctx context.Context, p Payload) (string, error) {
	body, err := postMultipart(ctx, z.Client, z.Name(), z.Endpoint, nil, "file", p)
	if err != nil {
		return "", err
	}
	u := strings.TrimSpace(string(body))
	if !strings.HasPrefix(u, "http") {
		return "", fmt.Errorf("0x0: unexpected response %q", truncate(u, 120))
	}
	return u, nil
}

// FileIO posts through the relay.
type FileIO struct {
	Client   *http.Client
	Endpoint string
	Relay    relay.Resolver
}

func (f *FileIO) Name() string   { return "fileio" }
func (f *FileIO) MaxSize() int64 { return 100 * mb }

func (f *FileIO) Upload(ctx context.Context, p Payload) (string, error) {
	target, err := relay.Route(ctx, f.Relay, f.Endpoint)
	if err != nil {
		return "", fmt.Errorf("fileio: %w", err)
	}
	body, err := postMultipart(ctx, f.Client, f.Name(), target, nil, "file", p)
	if err != nil {
		return "", err
	}
	var res struct {
		Success bool   `json:"success"`
		Link    string `json:"link"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("fileio: decode response: %v", err)
	}
	if !res.Success || res.Link == "" {
		return "", fmt.Errorf("fileio: upload rejected: %s", orDefault(res.Message, "unknown error"))
	}
	return res.Link, nil
}

type Catbox struct {
	Client   *http.Client
	Endpoint string
}

func (c *Catbox) Name() string   { return "catbox" }
func (c *Catbox) MaxSize() int64 { return 200 * mb }

func (c *Catbox) Upload(ctx context.Context, p Payload) (string, error) {
	body, err := postMultipart(ctx, c.Client, c.Name(), c.Endpoint, map[string]string{"reqtype": "fileupload"}, "fileToUpload", p)
	if err != nil {
		return "", err
	}
	u := strings.TrimSpace(string(body))
	if !strings.HasPrefix(u, "https://files.catbox.moe/") {
		return "", fmt.Errorf("catbox: invalid response %q", truncate(u, 120))
	}
	return u, nil
}

type Uguu struct {
	Client   *http.Client
	Endpoint string
}

func (u *Uguu) Name() string   { return "uguu" }
func (u *Uguu) MaxSize() int64 { return 128 * mb }

func (u *Uguu) Upload(ctx context.Context, p Payload) (string, error) {
	body, err := postMultipart(ctx, u.Client, u.Name(), u.Endpoint, nil, "files[]", p)
	if err != nil {
		return "", err
	}
	var res struct {
		Success bool `json:"success"`
		Files   []struct {
			URL string `json:"url"`
		} `json:"files"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("uguu: decode response: %v", err)
	}
	if !res.Success || len(res.Files) == 0 || res.Files[0].URL == "" {
		return "", fmt.Errorf("uguu: upload failed or invalid response")
	}
	return res.Files[0].URL, nil
}

// postMultipart sends fields plus the audio under fileField. Transport
// errors come back untouched so IsNetworkError can classify them; HTTP
// failures become *StatusError.
func postMultipart(ctx context.Context, client *http.Client, backend, endpoint string, fields map[string]string, fileField string, p Payload) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("%s: write field: %v", backend, err)
		}
	}
	fw, err := w.CreateFormFile(fileField, p.Filename)
	if err != nil {
		return nil, fmt.Errorf("%s: create form file: %v", backend, err)
	}
	if _, err := fw.Write(p.Data); err != nil {
		return nil, fmt.Errorf("%s: write form file: %v", backend, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s: close form: %v", backend, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %v", backend, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Backend: backend, Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, nil
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
