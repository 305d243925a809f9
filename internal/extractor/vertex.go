package extractor

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"voicememo-go/internal/logger"
	"voicememo-go/internal/types"
)

// VertexClient asks a Gemini model on Vertex AI for the analysis.
type VertexClient struct {
	client *genai.Client
	model  *genai.GenerativeModel
	parser *Parser
	log    *logger.Logger
}

func NewVertexClient(ctx context.Context, projectID, region, model string, log *logger.Logger) (*VertexClient, error) {
	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	m := client.GenerativeModel(model)
	m.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
		MaxOutputTokens:  genai.Ptr[int32](4096),
	}
	log = logger.OrDiscard(log)
	return &VertexClient{client: client, model: m, parser: NewParser(log), log: log.Component("vertex")}, nil
}

func (v *VertexClient) Close() error { return v.client.Close() }

func (v *VertexClient) Analyze(ctx context.Context, transcript string) (types.Analysis, error) {
	resp, err := v.model.GenerateContent(ctx, genai.Text(BuildPrompt(transcript)))
	if err != nil {
		return types.Analysis{}, fmt.Errorf("vertex generate: %w", err)
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		v.log.Warn("model output truncated at token limit")
	}
	a, err := v.parser.ParseText(candidateText(resp))
	if err != nil {
		return types.Analysis{}, err
	}
	a.Provenance = types.ProvenanceReal
	return a, nil
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}
