// Package ai talks to the generative model that answers opted-in senders.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("ai: empty response")

// DefaultTimeout bounds a single completion.
const DefaultTimeout = 30 * time.Second

type generateFunc func(ctx context.Context, prompt string) (*genai.GenerateContentResponse, error)

// Gemini completes prompts with a Google Gemini model.
type Gemini struct {
	client   *genai.Client
	generate generateFunc
	timeout  time.Duration
}

// NewGemini connects to the Gemini API with apiKey and uses the named model.
func NewGemini(ctx context.Context, apiKey, modelName string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.7)
	model.SetTopP(0.9)

	g := &Gemini{
		client:  client,
		timeout: timeout,
		generate: func(ctx context.Context, prompt string) (*genai.GenerateContentResponse, error) {
			return model.GenerateContent(ctx, genai.Text(prompt))
		},
	}
	return g, nil
}

// Complete sends prompt to the model and returns its text reply.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	resp, err := g.generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	return replyText(resp)
}

func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// replyText joins the text parts of the first candidate.
func replyText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", ErrEmptyResponse
	}
	return reply, nil
}
