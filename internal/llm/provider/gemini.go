package provider

import (
	"context"
	"fmt"
	"log"
	"strings"

	"google.golang.org/genai"
)

const geminiDefaultModel = "gemini-2.0-flash"

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Provider, error) {
		apiKey := configString(config, "api_key", "GEMINI_API_KEY", "")
		if apiKey == "" {
			apiKey = configString(config, "", "GOOGLE_API_KEY", "")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}
		return NewGeminiProvider(context.Background(), GeminiConfig{
			APIKey: apiKey,
			Model:  configString(config, "model", "", geminiDefaultModel),
		})
	})

	RegisterFactory("vertexai", func(config map[string]any) (Provider, error) {
		project := configString(config, "project_id", "GOOGLE_CLOUD_PROJECT", "")
		if project == "" {
			return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT not set")
		}
		return NewGeminiProvider(context.Background(), GeminiConfig{
			Project:  project,
			Location: configString(config, "location", "VERTEX_AI_LOCATION", "us-central1"),
			Model:    configString(config, "model", "", geminiDefaultModel),
		})
	})
}

// GeminiConfig selects the Gemini API (APIKey) or Vertex AI (Project).
type GeminiConfig struct {
	APIKey   string
	Project  string
	Location string
	Model    string
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiProvider implements Provider with the Gen AI SDK.
type GeminiProvider struct {
	models contentGenerator
	name   string
	model  string
}

// NewGeminiProvider creates a Gemini provider on either backend.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	name := "gemini"
	if cfg.APIKey == "" {
		cc = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
		name = "vertexai"
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = geminiDefaultModel
	}
	log.Printf("[%s] provider ready (model %s)", name, model)
	return &GeminiProvider{models: client.Models, name: name, model: model}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return p.name
}

// CreateCompletion generates one response.
func (p *GeminiProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	system, contents := geminiContents(req.Messages)
	config := &genai.GenerateContentConfig{}
	if system != nil {
		config.SystemInstruction = system
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := p.models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, NewProviderError(p.name, classifyMessage(err), err.Error(), err)
	}
	return p.parseResponse(resp)
}

func (p *GeminiProvider) parseResponse(resp *genai.GenerateContentResponse) (*CompletionResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, NewProviderError(p.name, ErrorCodeUnknown, ErrEmptyResponse.Error(), ErrEmptyResponse)
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return nil, NewProviderError(p.name, ErrorCodeContentFiltered, "response blocked by safety filter", nil)
	}

	var b strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part != nil {
				b.WriteString(part.Text)
			}
		}
	}
	if b.Len() == 0 {
		return nil, NewProviderError(p.name, ErrorCodeUnknown, ErrEmptyResponse.Error(), ErrEmptyResponse)
	}

	out := &CompletionResponse{
		Content:      b.String(),
		FinishReason: strings.ToLower(string(cand.FinishReason)),
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// geminiContents converts messages. Gemini names the assistant role "model"
// and carries the system prompt outside the contents.
func geminiContents(msgs []Message) (*genai.Content, []*genai.Content) {
	systemText, rest := splitSystem(msgs)
	var system *genai.Content
	if systemText != "" {
		system = &genai.Content{Parts: []*genai.Part{{Text: systemText}}}
	}

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return system, contents
}
