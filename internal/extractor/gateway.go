package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"voicememo-go/internal/logger"
	"voicememo-go/internal/relay"
	"voicememo-go/internal/types"
)

// Analyzer produces an Analysis for a transcript.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (types.Analysis, error)
}

// GatewayClient talks to an OpenAI-compatible chat completion gateway,
// through the relay when one is configured.
type GatewayClient struct {
	Endpoint string
	APIKey   string
	Model    string
	HTTP     *http.Client
	Relay    relay.Resolver
	Parser   *Parser
	// MaxRetryTime bounds retries of transport and 5xx failures.
	MaxRetryTime time.Duration
	Log          *logger.Logger
}

func NewGatewayClient(endpoint, apiKey, model string, resolver relay.Resolver, log *logger.Logger) *GatewayClient {
	log = logger.OrDiscard(log)
	return &GatewayClient{
		Endpoint:     endpoint,
		APIKey:       apiKey,
		Model:        model,
		HTTP:         &http.Client{Timeout: 60 * time.Second},
		Relay:        resolver,
		Parser:       NewParser(log),
		MaxRetryTime: 45 * time.Second,
		Log:          log.Component("llm-gateway"),
	}
}

// Request builds the chat completion body sent to the gateway.
func (g *GatewayClient) Request(transcript string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: g.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(transcript)},
		},
		Temperature: 0.4,
		MaxTokens:   4096,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Stream: false,
	}
}

func (g *GatewayClient) Analyze(ctx context.Context, transcript string) (types.Analysis, error) {
	data, err := json.Marshal(g.Request(transcript))
	if err != nil {
		return types.Analysis{}, err
	}
	target, err := relay.Route(ctx, g.Relay, g.Endpoint)
	if err != nil {
		return types.Analysis{}, fmt.Errorf("llm gateway: %w", err)
	}
	log := g.Log.WithField("model", g.Model)

	var body []byte
	var lastErr error
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.HTTP.Do(req)
		if err != nil {
			lastErr = err
			log.WithError(err).Warn("llm request failed")
			return err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		log.WithField("http_status", resp.StatusCode).Debug("llm raw:\n" + string(raw))

		switch {
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("llm gateway: HTTP %d: %s", resp.StatusCode, truncate(string(raw), 300))
			return lastErr
		case resp.StatusCode >= 400:
			// client errors are not retried
			lastErr = fmt.Errorf("llm gateway: HTTP %d: %s", resp.StatusCode, truncate(string(raw), 300))
			return backoff.Permanent(lastErr)
		}
		body = raw
		lastErr = nil
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = g.MaxRetryTime
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return types.Analysis{}, fmt.Errorf("llm analyze failed: %w", lastErr)
	}

	a, err := g.Parser.ParseResponse(body)
	if err != nil {
		return types.Analysis{}, err
	}
	a.Provenance = types.ProvenanceReal
	log.WithField("business_type", a.BusinessType).Info("analysis parsed")
	return a, nil
}

// IsParseFailure reports whether err means the model answered but nothing
// could be recovered from the answer.
func IsParseFailure(err error) bool {
	return errors.Is(err, ErrNoParseableAnalysis)
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
