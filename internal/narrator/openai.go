package narrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jason-s-yu/yamato/internal/metrics"
	"github.com/jason-s-yu/yamato/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// Options configures an OpenAI-compatible chat completions endpoint.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// OpenAIClient narrates rounds through any OpenAI-compatible API (Cerebras by default).
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *logrus.Logger
}

// NewOpenAIClient builds a client. opts.Timeout bounds the HTTP exchange on top of whatever
// deadline the caller's context carries.
func NewOpenAIClient(opts Options, logger *logrus.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		logger:      logger,
	}
}

func (c *OpenAIClient) Generate(ctx context.Context, rc models.RoundContext) (*Narration, error) {
	prompt := BuildPrompt(rc)
	log := c.logger.WithFields(logrus.Fields{
		"lobby_id": rc.LobbyID,
		"round":    rc.Round,
		"model":    c.model,
	})

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	duration := time.Since(start)
	metrics.NarratorDuration.With(prometheus.Labels{"model": c.model}).Observe(duration.Seconds())

	if err != nil {
		c.count("error")
		log.WithError(err).WithField("duration", duration).Warn("narrator request failed")
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.count("error_empty_response")
		return nil, fmt.Errorf("%w: empty response", ErrGenerationFailed)
	}

	n, err := Parse(resp.Choices[0].Message.Content)
	if err != nil {
		c.count("error_malformed")
		return nil, err
	}
	c.count("success")
	log.WithFields(logrus.Fields{
		"duration":          duration,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}).Debug("narrator response accepted")
	return n, nil
}

func (c *OpenAIClient) count(status string) {
	metrics.NarratorRequests.With(prometheus.Labels{"model": c.model, "status": status}).Inc()
}
