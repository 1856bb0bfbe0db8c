package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const bedrockDefaultModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

func init() {
	RegisterFactory("bedrock", func(config map[string]any) (Provider, error) {
		region := configString(config, "region", "AWS_REGION", "us-east-1")
		return NewBedrockProvider(context.Background(), region, configString(config, "model", "", bedrockDefaultModel))
	})
}

type converser interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements Provider on the Bedrock Converse API.
type BedrockProvider struct {
	client converser
	model  string
}

// NewBedrockProvider loads the default AWS credential chain for region.
func NewBedrockProvider(ctx context.Context, region, model string) (*BedrockProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if model == "" {
		model = bedrockDefaultModel
	}
	return &BedrockProvider{client: bedrockruntime.NewFromConfig(cfg), model: model}, nil
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// CreateCompletion sends one Converse request.
func (p *BedrockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	system, messages := bedrockMessages(req.Messages)
	if len(messages) == 0 {
		return nil, NewProviderError(p.Name(), ErrorCodeInvalidRequest, "no user message", nil)
	}
	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
		System:   system,
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		in.InferenceConfig = &types.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			in.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
		if req.Temperature > 0 {
			in.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
		}
	}

	out, err := p.client.Converse(ctx, in)
	if err != nil {
		return nil, p.wrapError(err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, NewProviderError(p.Name(), ErrorCodeUnknown, ErrEmptyResponse.Error(), ErrEmptyResponse)
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	if out.StopReason == types.StopReasonContentFiltered || out.StopReason == types.StopReasonGuardrailIntervened {
		return nil, NewProviderError(p.Name(), ErrorCodeContentFiltered, "response blocked by content filter", nil)
	}
	if b.Len() == 0 {
		return nil, NewProviderError(p.Name(), ErrorCodeUnknown, ErrEmptyResponse.Error(), ErrEmptyResponse)
	}

	resp := &CompletionResponse{Content: b.String(), FinishReason: string(out.StopReason)}
	if u := out.Usage; u != nil {
		resp.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(u.InputTokens)),
			CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		}
	}
	return resp, nil
}

func (p *BedrockProvider) wrapError(err error) error {
	var (
		throttled   *types.ThrottlingException
		quota       *types.ServiceQuotaExceededException
		denied      *types.AccessDeniedException
		invalid     *types.ValidationException
		notFound    *types.ResourceNotFoundException
		timeout     *types.ModelTimeoutException
		unavailable *types.ServiceUnavailableException
		internal    *types.InternalServerException
	)
	code := ErrorCodeUnknown
	switch {
	case errors.As(err, &throttled):
		code = ErrorCodeRateLimit
	case errors.As(err, &quota):
		code = ErrorCodeQuotaExceeded
	case errors.As(err, &denied):
		code = ErrorCodeAuthentication
	case errors.As(err, &invalid):
		code = ErrorCodeInvalidRequest
	case errors.As(err, &notFound):
		code = ErrorCodeModelNotFound
	case errors.As(err, &timeout):
		code = ErrorCodeTimeout
	case errors.As(err, &unavailable), errors.As(err, &internal):
		code = ErrorCodeServerError
	default:
		code = classifyMessage(err)
	}
	return NewProviderError(p.Name(), code, err.Error(), err)
}

// bedrockMessages converts messages. Converse requires the conversation to
// start with a user turn and to alternate roles, so leading assistant turns
// are dropped and consecutive same-role turns are merged.
func bedrockMessages(msgs []Message) ([]types.SystemContentBlock, []types.Message) {
	systemText, rest := splitSystem(msgs)
	var system []types.SystemContentBlock
	if systemText != "" {
		system = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: systemText}}
	}

	var out []types.Message
	for _, m := range rest {
		role := types.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		if len(out) == 0 && role != types.ConversationRoleUser {
			continue
		}
		block := &types.ContentBlockMemberText{Value: m.Content}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			continue
		}
		out = append(out, types.Message{Role: role, Content: []types.ContentBlock{block}})
	}
	return system, out
}
