package insight

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/google/uuid"

	"github.com/stellarlinkco/lovecare/internal/config"
)

// Runtime is the slice of the agent runtime the assistant uses (allows mocking in tests).
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime for the given system prompt.
type RuntimeFactory func(cfg *config.Config, sysPrompt string) (Runtime, error)

// DefaultRuntimeFactory creates the agentsdk-go runtime for anthropic or openai.
func DefaultRuntimeFactory(cfg *config.Config, sysPrompt string) (Runtime, error) {
	temperature := cfg.Insight.Temperature

	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case config.ProviderOpenAI:
		provider = &model.OpenAIProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Insight.Model,
			MaxTokens:   cfg.Insight.MaxTokens,
			Temperature: &temperature,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Insight.Model,
			MaxTokens:   cfg.Insight.MaxTokens,
			Temperature: &temperature,
		}
	}

	workspace := cfg.InsightWorkspace()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("create insight workspace: %w", err)
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   workspace,
		ModelFactory:  provider,
		SystemPrompt:  sysPrompt,
		MaxIterations: 1,
		MaxSessions:   maxSessions,
		Timeout:       time.Duration(cfg.Insight.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// AgentAssistant answers through an agentsdk-go runtime. Conversation history
// is kept per SessionID by the runtime, which evicts the least recently used
// session past maxSessions.
type AgentAssistant struct {
	runtime Runtime
	timeout time.Duration
	guides  *GuideSet
}

func NewAgentAssistant(cfg *config.Config) (*AgentAssistant, error) {
	return NewAgentAssistantWithFactory(cfg, DefaultRuntimeFactory)
}

func NewAgentAssistantWithFactory(cfg *config.Config, factory RuntimeFactory) (*AgentAssistant, error) {
	rt, err := factory(cfg, SystemPrompt())
	if err != nil {
		return nil, err
	}
	return &AgentAssistant{
		runtime: rt,
		timeout: time.Duration(cfg.Insight.TimeoutSeconds) * time.Second,
		guides:  openWorkspaceGuides(cfg),
	}, nil
}

func (a *AgentAssistant) Ask(ctx context.Context, req Request) (string, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return "", err
	}
	prompt = withGuides(prompt, a.guides.Guides(), req.Question)
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = "oneoff-" + uuid.NewString()
	}

	resp, err := a.runtime.Run(ctx, api.Request{
		Prompt:    prompt,
		SessionID: sessionID,
	})
	if err != nil {
		return "", fmt.Errorf("agent run: %w", err)
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Result.Output), nil
}

func (a *AgentAssistant) Close() {
	a.guides.Close()
	if a.runtime != nil {
		a.runtime.Close()
	}
}
