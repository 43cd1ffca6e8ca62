package careplan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/drfirst/go-careplan/internal/domain/intake"
)

// SystemPrompt frames every generation request.
const SystemPrompt = "You are a clinical pharmacist. Generate a concise 5-day care plan for the requested medication based on the provided clinical records."

// Generator produces care-plan narrative for a committed order.
type Generator interface {
	Generate(ctx context.Context, rec *intake.OrderRecord) (string, error)
	Model() string
}

// OpenAIConfig configures OpenAIGenerator.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// Timeout bounds one completion request
	Timeout time.Duration
}

// DefaultOpenAIConfig returns the production model and timeout.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:   openai.GPT4o,
		Timeout: 15 * time.Second,
	}
}

// OpenAIGenerator calls the chat completions API.
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIGenerator creates a generator. An empty API key is an error.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	def := DefaultOpenAIConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// Model returns the model name recorded on generated plans.
func (g *OpenAIGenerator) Model() string { return g.model }

// Generate requests a plan for rec.
func (g *OpenAIGenerator) Generate(ctx context.Context, rec *intake.OrderRecord) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(rec)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("chat completion returned empty content")
	}
	return text, nil
}

// UserPrompt renders the medication and clinical records for rec.
func UserPrompt(rec *intake.OrderRecord) string {
	return "Medication: " + rec.Order.MedicationName + "\n\nRecords: " + rec.Order.PatientRecordsText
}
