package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"voicememo-go/internal/logger"
	"voicememo-go/internal/relay"
	"voicememo-go/internal/types"
)

var ErrNotConfigured = errors.New("feishu sync not configured")

const (
	unclassified = "未分类"
	noTranscript = "无转录文本"
)

// Column names of the bitable the records land in.
const (
	ColBusinessType       = "业务类别"
	ColCustomerName       = "客户姓名"
	ColCustomerProfile    = "客户画像"
	ColFollowUpPlan       = "跟进计划"
	ColDemandStimulation  = "需求激发"
	ColObjectionHandling  = "异议处理"
	ColCustomerTouchPoint = "打动客户的点"
	ColFailureReview      = "失败复盘"
	ColExtendedThinking   = "延伸思考"
	ColTranscript         = "转录文本"
)

// Columns lists the bitable columns in display order.
var Columns = []string{
	ColBusinessType, ColCustomerName, ColCustomerProfile, ColFollowUpPlan,
	ColDemandStimulation, ColObjectionHandling, ColCustomerTouchPoint,
	ColFailureReview, ColExtendedThinking, ColTranscript,
}

type Client struct {
	Endpoint  string
	AppID     string
	AppSecret string
	AppToken  string
	TableID   string
	// AccessToken, when set, is used instead of a tenant token.
	AccessToken string
	HTTP        *http.Client
	Relay       relay.Resolver
	Log         *logger.Logger
	Now         func() time.Time

	mu          sync.Mutex
	tenantToken string
	tokenExpiry time.Time
}

func (c *Client) Configured() bool {
	return c.AppToken != "" && c.TableID != "" && (c.AccessToken != "" || (c.AppID != "" && c.AppSecret != ""))
}

// Fields maps a recording onto bitable columns. The business type column
// is multi-select and takes a single-element list.
func Fields(rec *types.Recording) map[string]any {
	var a types.Analysis
	if rec.Analysis != nil {
		a = *rec.Analysis
	}
	business := []string{unclassified}
	if a.BusinessType != "" {
		business = []string{a.BusinessType}
	}
	transcript := noTranscript
	if rec.HasTranscript() {
		transcript = rec.Transcription.Text
	}
	return map[string]any{
		ColBusinessType:       business,
		ColCustomerName:       orNotMentioned(a.CustomerInfo.Name),
		ColCustomerProfile:    strings.Join(a.CustomerProfile, "｜"),
		ColFollowUpPlan:       orNotMentioned(a.FollowUpPlan),
		ColDemandStimulation:  orNotMentioned(a.OptionalFields.DemandStimulation),
		ColObjectionHandling:  orNotMentioned(a.OptionalFields.ObjectionHandling),
		ColCustomerTouchPoint: orNotMentioned(a.OptionalFields.CustomerTouchPoint),
		ColFailureReview:      orNotMentioned(a.OptionalFields.FailureReview),
		ColExtendedThinking:   orNotMentioned(a.OptionalFields.ExtendedThinking),
		ColTranscript:         transcript,
	}
}

// TenantToken returns the static access token or a cached tenant token,
// refreshing it shortly before it expires.
func (c *Client) TenantToken(ctx context.Context) (string, error) {
	if c.AccessToken != "" {
		return c.AccessToken, nil
	}
	if c.AppID == "" || c.AppSecret == "" {
		return "", fmt.Errorf("%w: no access token or app credentials", ErrNotConfigured)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tenantToken != "" && c.now().Before(c.tokenExpiry) {
		return c.tenantToken, nil
	}

	var res struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	body := map[string]string{"app_id": c.AppID, "app_secret": c.AppSecret}
	if err := c.post(ctx, "/auth/v3/tenant_access_token/internal", "", body, &res); err != nil {
		return "", fmt.Errorf("tenant token: %w", err)
	}
	if res.Code != 0 || res.TenantAccessToken == "" {
		return "", fmt.Errorf("tenant token: code=%d msg=%s", res.Code, res.Msg)
	}
	ttl := time.Duration(res.Expire) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.tenantToken = res.TenantAccessToken
	c.tokenExpiry = c.now().Add(ttl - time.Minute)
	return c.tenantToken, nil
}

// CreateRecord appends one row and returns its record id.
func (c *Client) CreateRecord(ctx context.Context, rec *types.Recording) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	token, err := c.TenantToken(ctx)
	if err != nil {
		return "", err
	}

	var res struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Record struct {
				RecordID string `json:"record_id"`
			} `json:"record"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records", c.AppToken, c.TableID)
	if err := c.post(ctx, path, token, map[string]any{"fields": Fields(rec)}, &res); err != nil {
		return "", fmt.Errorf("create record: %w", err)
	}
	if res.Code != 0 {
		return "", fmt.Errorf("create record: code=%d msg=%s", res.Code, res.Msg)
	}
	c.log().WithField("recording_id", rec.ID).WithField("record_id", res.Data.Record.RecordID).Info("recording synced to bitable")
	return res.Data.Record.RecordID, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload, out any) error {
	target, err := relay.Route(ctx, c.Relay, strings.TrimRight(c.Endpoint, "/")+path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
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
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			return backoff.Permanent(lastErr)
		}
		if err := json.Unmarshal(body, out); err != nil {
			lastErr = fmt.Errorf("decode response: %w", err)
			return backoff.Permanent(lastErr)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 12 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 12 * time.Second}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) log() *logger.Logger {
	if c.Log == nil {
		return logger.Discard()
	}
	return c.Log
}

func orNotMentioned(s string) string {
	if s == "" {
		return types.NotMentioned
	}
	return s
}
