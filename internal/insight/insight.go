// Package insight answers free-text questions about a user's analysed week
// using a hosted language model. It only explains results; it never asks the
// model to recompute them.
package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/lovecare/internal/analytics"
	"github.com/stellarlinkco/lovecare/internal/config"
)

var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrNoAPIKey      = errors.New("insight api key not set")
)

// Request carries everything the model is allowed to see. Results is nil
// when nothing was computed. An empty SessionID asks a one-off question: no
// earlier turns are replayed and the turn is not kept.
type Request struct {
	Logs      []analytics.DailyLog
	Results   *analytics.Results
	Question  string
	SessionID string
}

// Assistant answers questions about computed results.
type Assistant interface {
	Ask(ctx context.Context, req Request) (string, error)
	Close()
}

// Forgetter is implemented by assistants that can drop a session's history
// before it ages out.
type Forgetter interface {
	Forget(sessionID string)
}

// Upper bound on conversations an assistant keeps history for. The least
// recently used one is dropped first.
const maxSessions = 256

// Factory builds an Assistant from config. Tests swap it for a fake.
type Factory func(cfg *config.Config) (Assistant, error)

// NewAssistant selects a backend by provider type.
func NewAssistant(cfg *config.Config) (Assistant, error) {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Type)) {
	case config.ProviderGemini:
		a, err := NewGeminiAssistant(cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	case config.ProviderOpenAI, config.ProviderAnthropic, "":
		a, err := NewAgentAssistant(cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Provider.Type)
	}
}

const systemPrompt = `You are LoveCare, a warm and practical wellness companion.
You receive a user's daily mood logs and scores that were already computed by a deterministic engine.

Rules:
- Explain the provided scores; never recalculate or contradict them.
- Keep answers short, concrete and kind.
- Suggest small, realistic habits when asked for advice.
- ` + analytics.Disclaimer + ` Encourage professional help if the user mentions crisis or self-harm.

Score meanings:
- volatilityScore (0-100): how much mood swings day to day.
- stressAccumulation: stress carried forward with 20% daily decay, one value per day.
- burnoutLikelihood (0-100): combined stress, sleep deficit, low energy and mood decline.
- riskLevel: STABLE, CAUTION or HIGH_RISK.
- emotionalBattery (0-100): energy, sleep and most recent mood.
- loveStressBalance (0-100): mood relative to stress.`

// SystemPrompt is the fixed instruction sent with every question.
func SystemPrompt() string {
	return systemPrompt
}

// BuildPrompt renders the logs, the results and the question into one user
// message.
func BuildPrompt(req Request) (string, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	var sb strings.Builder
	sb.WriteString("[Daily Logs]\n")
	sb.WriteString("day | mood | stress | energy | sleep | reflection\n")
	for _, l := range req.Logs {
		fmt.Fprintf(&sb, "%d | %d | %d | %d | %.1f | %s\n",
			l.Day, l.Mood, l.Stress, l.Energy, l.Sleep, oneLine(l.Reflection))
	}

	sb.WriteString("\n[Computed Results]\n")
	if req.Results == nil {
		fmt.Fprintf(&sb, "none (at least %d days of logs are needed; do not guess scores)", analytics.MinLogs)
	} else {
		results, err := json.MarshalIndent(req.Results, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal results: %w", err)
		}
		sb.Write(results)
	}
	sb.WriteString("\n\n[User Question]\n")
	sb.WriteString(question)
	return sb.String(), nil
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "-"
	}
	return truncate(s, 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
