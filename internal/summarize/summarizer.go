// Package summarize keeps a short thread summary current after each ingest.
// It runs as a post-ingest hook, so a summarization failure never affects
// message persistence.
package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/relaymail/relaymail/internal/db"
)

// recentMessageCount is how many of the thread's newest messages feed the
// summarization prompt.
const recentMessageCount = 10

const maxSummaryTokens = 120

type Summarizer struct {
	client *openai.Client
	model  string
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func New(apiKey, model string, pool *pgxpool.Pool, logger *zap.Logger) *Summarizer {
	return &Summarizer{
		client: openai.NewClient(apiKey),
		model:  model,
		pool:   pool,
		logger: logger,
	}
}

func (s *Summarizer) Name() string { return "summarizer" }

// AfterIngest regenerates the thread summary from its most recent messages.
func (s *Summarizer) AfterIngest(ctx context.Context, threadID string) error {
	texts, err := db.GetRecentExtractedTexts(ctx, s.pool, threadID, recentMessageCount)
	if err != nil {
		return fmt.Errorf("failed to load thread texts: %w", err)
	}
	if len(texts) == 0 {
		return nil
	}

	summary, err := s.summarize(ctx, texts)
	if err != nil {
		return err
	}
	if summary == "" {
		return nil
	}

	if err := db.UpdateThreadSummary(ctx, s.pool, threadID, summary); err != nil {
		return fmt.Errorf("failed to store thread summary: %w", err)
	}
	return nil
}

func (s *Summarizer) summarize(ctx context.Context, texts []string) (string, error) {
	prompt := fmt.Sprintf(`Summarize the following email conversation in one or two sentences.
Mention the main request and its current state. Respond with the summary only, no preamble.

Conversation, oldest message first, separated by "---":

%s`, strings.Join(texts, "\n---\n"))

	resp, err := s.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: s.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   maxSummaryTokens,
			Temperature: 0.2,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to get completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
