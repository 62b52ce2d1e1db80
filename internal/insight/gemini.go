package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/stellarlinkco/lovecare/internal/config"
)

// maxHistoryTurns bounds how many question/answer pairs are replayed per session.
const maxHistoryTurns = 6

// ContentGenerator is satisfied by *genai.Models.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiAssistant answers through the Gemini API and keeps a short
// conversation history per session.
type GeminiAssistant struct {
	models      ContentGenerator
	model       string
	temperature float32
	maxTokens   int32
	timeout     time.Duration
	guides      *GuideSet

	mu       sync.Mutex
	history  map[string][]*genai.Content
	lastUsed map[string]uint64
	clock    uint64
}

func NewGeminiAssistant(cfg *config.Config) (*GeminiAssistant, error) {
	if cfg.Provider.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.Provider.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return NewGeminiAssistantWithGenerator(cfg, client.Models), nil
}

func NewGeminiAssistantWithGenerator(cfg *config.Config, models ContentGenerator) *GeminiAssistant {
	model := cfg.Insight.Model
	if model == "" || model == config.DefaultModel {
		model = config.DefaultGeminiModel
	}
	return &GeminiAssistant{
		models:      models,
		model:       model,
		temperature: float32(cfg.Insight.Temperature),
		maxTokens:   int32(cfg.Insight.MaxTokens),
		timeout:     time.Duration(cfg.Insight.TimeoutSeconds) * time.Second,
		guides:      openWorkspaceGuides(cfg),
		history:     make(map[string][]*genai.Content),
		lastUsed:    make(map[string]uint64),
	}
}

func (g *GeminiAssistant) Ask(ctx context.Context, req Request) (string, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return "", err
	}
	prompt = withGuides(prompt, g.guides.Guides(), req.Question)
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	question := genai.NewContentFromText(prompt, genai.RoleUser)

	var contents []*genai.Content
	if req.SessionID != "" {
		g.mu.Lock()
		contents = append(contents, g.history[req.SessionID]...)
		g.mu.Unlock()
	}
	contents = append(contents, question)

	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt(), genai.RoleUser),
		Temperature:       genai.Ptr(g.temperature),
		MaxOutputTokens:   g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil {
		return "", errors.New("gemini generate: empty response")
	}
	answer := strings.TrimSpace(resp.Text())

	if req.SessionID != "" {
		g.remember(req.SessionID, question, genai.NewContentFromText(answer, genai.RoleModel))
	}
	return answer, nil
}

func (g *GeminiAssistant) remember(sessionID string, turn ...*genai.Content) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := append(g.history[sessionID], turn...)
	if over := len(h) - 2*maxHistoryTurns; over > 0 {
		h = h[over:]
	}
	g.history[sessionID] = h
	g.clock++
	g.lastUsed[sessionID] = g.clock
	if len(g.history) > maxSessions {
		g.evictOldest()
	}
}

// evictOldest drops the least recently used session. Callers hold g.mu.
func (g *GeminiAssistant) evictOldest() {
	var (
		oldest string
		at     uint64
	)
	for id, ts := range g.lastUsed {
		if oldest == "" || ts < at {
			oldest, at = id, ts
		}
	}
	delete(g.history, oldest)
	delete(g.lastUsed, oldest)
}

// Forget drops the history of one session.
func (g *GeminiAssistant) Forget(sessionID string) {
	g.mu.Lock()
	delete(g.history, sessionID)
	delete(g.lastUsed, sessionID)
	g.mu.Unlock()
}

// Close drops the session history and stops reloading guides; the genai
// client holds no resources.
func (g *GeminiAssistant) Close() {
	g.guides.Close()
	g.mu.Lock()
	g.history = make(map[string][]*genai.Content)
	g.lastUsed = make(map[string]uint64)
	g.mu.Unlock()
}
