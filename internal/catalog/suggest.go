package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jkaninda/umbravault/internal/llm"
)

const suggestSystemPrompt = "You pick security scanning tools. Answer with a single tool name from the list, or 'none'."

// LLMSuggester asks a chat model for one extra tool.
type LLMSuggester struct {
	provider llm.Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// NewLLMSuggester creates a suggester. A zero timeout means 20s.
func NewLLMSuggester(provider llm.Provider, timeout time.Duration, logger *slog.Logger) *LLMSuggester {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &LLMSuggester{provider: provider, timeout: timeout, logger: logger}
}

// Suggest implements Suggester. The first word of the reply that names an
// available, not yet selected tool wins.
func (s *LLMSuggester) Suggest(ctx context.Context, req SuggestRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prompt := fmt.Sprintf("Suggest up to 1 extra tool name for %s on %s from: %s",
		req.TaskType, req.Target, strings.Join(req.Available, ", "))

	resp, err := s.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: suggestSystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:    64,
	})
	if err != nil {
		return "", fmt.Errorf("%s suggestion: %w", s.provider.Name(), err)
	}

	name := pickToolName(resp.Content, req.Available, req.Selected)
	s.logger.Debug("tool suggestion received",
		slog.String("provider", s.provider.Name()),
		slog.String("picked", name),
	)
	return name, nil
}

// pickToolName returns the first whitespace-separated token of text that is
// an available tool and not already selected.
func pickToolName(text string, available, selected []string) string {
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, ".,;:!?\"'`*()[]")
		if slices.Contains(available, tok) && !slices.Contains(selected, tok) {
			return tok
		}
	}
	return ""
}
