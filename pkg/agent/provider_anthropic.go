package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements LLMProvider for Anthropic Claude. Structured
// output is obtained by forcing a single tool whose input schema is the
// requested response schema.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

// Call makes an API call to Anthropic Claude
func (p *AnthropicProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	messages := make([]anthropic.MessageParam, 0, len(request.Messages))
	for _, msg := range request.Messages {
		switch msg.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})
		}
	}

	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	reqParams := anthropic.MessageNewParams{
		Model:       anthropic.Model(request.Model),
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(request.Temperature),
	}

	if request.SystemPrompt != "" {
		reqParams.System = []anthropic.TextBlockParam{
			{Text: request.SystemPrompt},
		}
	}

	toolName := ""
	if request.ResponseSchema != nil {
		toolName = structuredToolName(request.SchemaName)
		reqParams.Tools = []anthropic.ToolUnionParam{{OfTool: &anthropic.ToolParam{
			Name:        toolName,
			Description: anthropic.String("Return the response as the input of this tool."),
			InputSchema: anthropicInputSchema(request.ResponseSchema),
		}}}
		reqParams.ToolChoice = anthropic.ToolChoiceParamOfTool(toolName)
	}

	response, err := p.client.Messages.New(ctx, reqParams)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	structured := ""
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			if b.Name == toolName {
				structured = string(b.Input)
			}
		}
	}

	result := content.String()
	if toolName != "" {
		if structured == "" {
			return nil, fmt.Errorf("anthropic response did not call %s", toolName)
		}
		result = structured
	}

	return &LLMResponse{
		Content: result,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

func structuredToolName(schemaName string) string {
	if schemaName == "" {
		return "emit_response"
	}
	return "emit_" + schemaName
}

// anthropicInputSchema maps a JSON schema object onto the SDK's tool input
// schema. Keys other than properties and required ride along as extra fields.
func anthropicInputSchema(schema map[string]interface{}) anthropic.ToolInputSchemaParam {
	param := anthropic.ToolInputSchemaParam{
		Properties: schema["properties"],
	}

	switch required := schema["required"].(type) {
	case []string:
		param.Required = required
	case []interface{}:
		for _, v := range required {
			if s, ok := v.(string); ok {
				param.Required = append(param.Required, s)
			}
		}
	}

	extras := make(map[string]interface{})
	for k, v := range schema {
		switch k {
		case "type", "properties", "required", "$schema", "title":
			continue
		}
		extras[k] = v
	}
	if len(extras) > 0 {
		param.ExtraFields = extras
	}
	return param
}
