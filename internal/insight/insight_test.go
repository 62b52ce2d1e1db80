package insight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"google.golang.org/genai"

	"github.com/stellarlinkco/lovecare/internal/analytics"
	"github.com/stellarlinkco/lovecare/internal/config"
)

// mockRuntime implements Runtime for testing
type mockRuntime struct {
	response *api.Response
	err      error
	closed   bool
	requests []api.Request
}

func (m *mockRuntime) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	m.requests = append(m.requests, req)
	return m.response, m.err
}

func (m *mockRuntime) Close() {
	m.closed = true
}

type mockGenerator struct {
	answer string
	err    error
	calls  [][]*genai.Content
	config *genai.GenerateContentConfig
	model  string
}

func (m *mockGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.calls = append(m.calls, contents)
	m.config = cfg
	m.model = model
	if m.err != nil {
		return nil, m.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(m.answer, genai.RoleModel)}},
	}, nil
}

func sampleRequest(question string) Request {
	logs := analytics.NewWeek(7)
	logs[0].Reflection = "long day\nat   work"
	res, _ := analytics.Compute(logs)
	return Request{Logs: logs, Results: &res, Question: question, SessionID: "user-1"}
}

func TestBuildPrompt(t *testing.T) {
	prompt, err := BuildPrompt(sampleRequest("  Why is my burnout high?  "))
	if err != nil {
		t.Fatalf("BuildPrompt error: %v", err)
	}
	for _, want := range []string{
		"[Daily Logs]",
		"1 | 5 | 5 | 5 | 7.0 | long day at work",
		"2 | 5 | 5 | 5 | 7.0 | -",
		"[Computed Results]",
		`"riskLevel": "CAUTION"`,
		"[User Question]\nWhy is my burnout high?",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPrompt_WithoutResults(t *testing.T) {
	prompt, err := BuildPrompt(Request{Logs: analytics.NewWeek(1), Question: "How am I doing?"})
	if err != nil {
		t.Fatalf("BuildPrompt error: %v", err)
	}
	if !strings.Contains(prompt, "[Computed Results]\nnone") {
		t.Errorf("prompt should say no results were computed:\n%s", prompt)
	}
	for _, unwanted := range []string{"riskLevel", "burnoutLikelihood"} {
		if strings.Contains(prompt, unwanted) {
			t.Errorf("prompt carries uncomputed %s:\n%s", unwanted, prompt)
		}
	}
}

func TestBuildPrompt_EmptyQuestion(t *testing.T) {
	if _, err := BuildPrompt(sampleRequest("   ")); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("err = %v, want ErrEmptyQuestion", err)
	}
}

func TestSystemPrompt_NoRecalculation(t *testing.T) {
	sp := SystemPrompt()
	if !strings.Contains(sp, "never recalculate") {
		t.Error("system prompt should forbid recalculation")
	}
	if !strings.Contains(sp, analytics.Disclaimer) {
		t.Error("system prompt should carry the disclaimer")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.input, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func TestNewAssistant_NoKey(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := NewAssistant(cfg); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("err = %v, want ErrNoAPIKey", err)
	}
}

func TestNewAssistant_UnknownProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "k"
	cfg.Provider.Type = "mystery"
	if _, err := NewAssistant(cfg); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestAgentAssistant_Ask(t *testing.T) {
	rt := &mockRuntime{response: &api.Response{Result: &api.Result{Output: "  Rest more.  "}}}
	cfg := config.DefaultConfig()
	a, err := NewAgentAssistantWithFactory(cfg, func(c *config.Config, sp string) (Runtime, error) {
		if sp != SystemPrompt() {
			t.Errorf("unexpected system prompt")
		}
		return rt, nil
	})
	if err != nil {
		t.Fatalf("NewAgentAssistantWithFactory error: %v", err)
	}

	got, err := a.Ask(context.Background(), sampleRequest("What should I change?"))
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if got != "Rest more." {
		t.Errorf("answer = %q", got)
	}
	if len(rt.requests) != 1 || rt.requests[0].SessionID != "user-1" {
		t.Fatalf("requests = %+v", rt.requests)
	}
	if !strings.Contains(rt.requests[0].Prompt, "What should I change?") {
		t.Error("prompt should include the question")
	}

	a.Close()
	if !rt.closed {
		t.Error("runtime should be closed")
	}
}

func TestAgentAssistant_NoSessionIsOneOff(t *testing.T) {
	rt := &mockRuntime{response: &api.Response{Result: &api.Result{Output: "ok"}}}
	a, _ := NewAgentAssistantWithFactory(config.DefaultConfig(), func(*config.Config, string) (Runtime, error) {
		return rt, nil
	})
	req := sampleRequest("hi")
	req.SessionID = ""
	for i := 0; i < 2; i++ {
		if _, err := a.Ask(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	first, second := rt.requests[0].SessionID, rt.requests[1].SessionID
	if !strings.HasPrefix(first, "oneoff-") || !strings.HasPrefix(second, "oneoff-") {
		t.Errorf("sessions = %q, %q, want oneoff- prefix", first, second)
	}
	if first == second {
		t.Errorf("sessionless questions share runtime session %q", first)
	}
}

func TestAgentAssistant_Errors(t *testing.T) {
	rt := &mockRuntime{err: errors.New("upstream down")}
	a, _ := NewAgentAssistantWithFactory(config.DefaultConfig(), func(*config.Config, string) (Runtime, error) {
		return rt, nil
	})
	if _, err := a.Ask(context.Background(), sampleRequest("hi")); err == nil || !strings.Contains(err.Error(), "upstream down") {
		t.Errorf("err = %v", err)
	}
	if _, err := a.Ask(context.Background(), sampleRequest("")); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("err = %v, want ErrEmptyQuestion", err)
	}
	if len(rt.requests) != 1 {
		t.Errorf("empty question should not reach the runtime")
	}

	_, err := NewAgentAssistantWithFactory(config.DefaultConfig(), func(*config.Config, string) (Runtime, error) {
		return nil, errors.New("no runtime")
	})
	if err == nil {
		t.Error("factory error should propagate")
	}
}

func TestAgentAssistant_NilResult(t *testing.T) {
	rt := &mockRuntime{response: &api.Response{}}
	a, _ := NewAgentAssistantWithFactory(config.DefaultConfig(), func(*config.Config, string) (Runtime, error) {
		return rt, nil
	})
	got, err := a.Ask(context.Background(), sampleRequest("hi"))
	if err != nil || got != "" {
		t.Errorf("got (%q, %v), want empty answer", got, err)
	}
}

func TestGeminiAssistant_Ask(t *testing.T) {
	gen := &mockGenerator{answer: "Sleep is your lever."}
	cfg := config.DefaultConfig()
	g := NewGeminiAssistantWithGenerator(cfg, gen)

	got, err := g.Ask(context.Background(), sampleRequest("What helps?"))
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if got != "Sleep is your lever." {
		t.Errorf("answer = %q", got)
	}
	if gen.model != config.DefaultGeminiModel {
		t.Errorf("model = %q, want %q", gen.model, config.DefaultGeminiModel)
	}
	if gen.config.SystemInstruction == nil || gen.config.SystemInstruction.Parts[0].Text != SystemPrompt() {
		t.Error("system instruction not set")
	}
	if gen.config.MaxOutputTokens != int32(cfg.Insight.MaxTokens) {
		t.Errorf("max tokens = %d", gen.config.MaxOutputTokens)
	}

	// Second question replays the first turn.
	if _, err := g.Ask(context.Background(), sampleRequest("And then?")); err != nil {
		t.Fatal(err)
	}
	if n := len(gen.calls[1]); n != 3 {
		t.Errorf("second call contents = %d, want 3", n)
	}
	if gen.calls[1][1].Role != genai.RoleModel {
		t.Errorf("history role = %q", gen.calls[1][1].Role)
	}
}

func TestGeminiAssistant_HistoryBounded(t *testing.T) {
	gen := &mockGenerator{answer: "ok"}
	g := NewGeminiAssistantWithGenerator(config.DefaultConfig(), gen)
	for i := 0; i < maxHistoryTurns+3; i++ {
		if _, err := g.Ask(context.Background(), sampleRequest("q")); err != nil {
			t.Fatal(err)
		}
	}
	g.mu.Lock()
	n := len(g.history["user-1"])
	g.mu.Unlock()
	if n != 2*maxHistoryTurns {
		t.Errorf("history = %d, want %d", n, 2*maxHistoryTurns)
	}

	g.Close()
	if len(g.history) != 0 {
		t.Error("Close should drop history")
	}
}

func TestGeminiAssistant_Error(t *testing.T) {
	gen := &mockGenerator{err: errors.New("quota")}
	g := NewGeminiAssistantWithGenerator(config.DefaultConfig(), gen)
	if _, err := g.Ask(context.Background(), sampleRequest("q")); err == nil {
		t.Error("expected error")
	}
	if len(g.history) != 0 {
		t.Error("failed turns should not be remembered")
	}
}

func TestGeminiAssistant_NoSessionKeepsNoHistory(t *testing.T) {
	gen := &mockGenerator{answer: "ok"}
	g := NewGeminiAssistantWithGenerator(config.DefaultConfig(), gen)

	alice := sampleRequest("How was my week?")
	alice.SessionID = ""
	alice.Logs[0].Reflection = "alice private note"
	if _, err := g.Ask(context.Background(), alice); err != nil {
		t.Fatal(err)
	}

	bob := sampleRequest("And mine?")
	bob.SessionID = ""
	if _, err := g.Ask(context.Background(), bob); err != nil {
		t.Fatal(err)
	}

	if n := len(gen.calls[1]); n != 1 {
		t.Fatalf("second call contents = %d, want 1", n)
	}
	for _, part := range gen.calls[1][0].Parts {
		if strings.Contains(part.Text, "alice private note") {
			t.Error("sessionless question replayed another caller's logs")
		}
	}
	if len(g.history) != 0 {
		t.Errorf("history sessions = %d, want 0", len(g.history))
	}
}

func TestGeminiAssistant_Forget(t *testing.T) {
	gen := &mockGenerator{answer: "ok"}
	g := NewGeminiAssistantWithGenerator(config.DefaultConfig(), gen)
	var _ Forgetter = g

	req := sampleRequest("q")
	req.SessionID = "ws-1"
	if _, err := g.Ask(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	g.Forget("ws-1")
	if _, ok := g.history["ws-1"]; ok {
		t.Fatal("Forget should drop the session")
	}

	if _, err := g.Ask(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if n := len(gen.calls[1]); n != 1 {
		t.Errorf("contents after Forget = %d, want 1", n)
	}
}

func TestGeminiAssistant_EvictsLeastRecentlyUsed(t *testing.T) {
	gen := &mockGenerator{answer: "ok"}
	g := NewGeminiAssistantWithGenerator(config.DefaultConfig(), gen)

	ask := func(id string) {
		t.Helper()
		req := sampleRequest("q")
		req.SessionID = id
		if _, err := g.Ask(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < maxSessions; i++ {
		ask(fmt.Sprintf("s-%d", i))
	}
	ask("s-0")
	ask("extra")

	if len(g.history) != maxSessions {
		t.Errorf("sessions = %d, want %d", len(g.history), maxSessions)
	}
	if _, ok := g.history["s-0"]; !ok {
		t.Error("recently used session was evicted")
	}
	if _, ok := g.history["s-1"]; ok {
		t.Error("least recently used session should be evicted")
	}
}

func writeGuide(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name, guideFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadGuides(t *testing.T) {
	dir := t.TempDir()
	writeGuide(t, dir, "sleep", "---\nname: sleep\ndescription: Sleep tips\nkeywords: [Sleep, tired, sleep]\n---\nKeep a fixed wake-up time.\n")
	writeGuide(t, dir, "breathing", "---\nname: breathing\nkeywords: [anxious, panic]\n---\nTry box breathing.\n")
	writeGuide(t, dir, "broken", "---\nname: [unclosed\n---\nbody\n")
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	guides, err := LoadGuides(dir)
	if err != nil {
		t.Fatalf("LoadGuides error: %v", err)
	}
	if len(guides) != 2 {
		t.Fatalf("got %d guides, want 2", len(guides))
	}
	if guides[0].Name != "breathing" || guides[1].Name != "sleep" {
		t.Errorf("order = %s, %s", guides[0].Name, guides[1].Name)
	}
	if got := strings.Join(guides[1].Keywords, ","); got != "sleep,tired" {
		t.Errorf("keywords = %q", got)
	}
	if guides[1].Body != "Keep a fixed wake-up time." {
		t.Errorf("body = %q", guides[1].Body)
	}
}

func TestLoadGuides_MissingDir(t *testing.T) {
	guides, err := LoadGuides(filepath.Join(t.TempDir(), "nope"))
	if err != nil || guides != nil {
		t.Errorf("LoadGuides = %v, %v; want nil, nil", guides, err)
	}
}

func TestLoadGuides_Errors(t *testing.T) {
	dir := t.TempDir()
	writeGuide(t, dir, "a", "---\nname: dup\n---\none\n")
	writeGuide(t, dir, "b", "---\nname: dup\n---\ntwo\n")
	if _, err := LoadGuides(dir); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("err = %v, want duplicate error", err)
	}

	dir = t.TempDir()
	writeGuide(t, dir, "noname", "---\ndescription: x\n---\nbody\n")
	if _, err := LoadGuides(dir); err == nil {
		t.Error("expected missing name error")
	}

	dir = t.TempDir()
	writeGuide(t, dir, "plain", "no frontmatter here\n")
	if _, err := LoadGuides(dir); err == nil {
		t.Error("expected missing frontmatter error")
	}
}

func TestMatchGuides(t *testing.T) {
	guides := []Guide{
		{Name: "sleep", Keywords: []string{"sleep", "tired"}, Body: "sleep body"},
		{Name: "breathing", Keywords: []string{"anxious"}, Body: "breathing body"},
		{Name: "silent", Body: "never matches"},
	}

	got := MatchGuides(guides, "Why am I so TIRED lately?")
	if len(got) != 1 || got[0].Name != "sleep" {
		t.Errorf("MatchGuides = %+v", got)
	}
	if got := MatchGuides(guides, "How was my week?"); len(got) != 0 {
		t.Errorf("unexpected matches: %+v", got)
	}
	if got := MatchGuides(guides, "anxious and tired"); len(got) != 2 {
		t.Errorf("want both guides, got %+v", got)
	}
}

func TestAgentAssistant_AppendsMatchedGuides(t *testing.T) {
	ws := t.TempDir()
	writeGuide(t, filepath.Join(ws, "guides"), "sleep", "---\nname: sleep\nkeywords: [sleep]\n---\nNo screens before bed.\n")
	cfg := config.DefaultConfig()
	cfg.Insight.Workspace = ws

	rt := &mockRuntime{response: &api.Response{Result: &api.Result{Output: "ok"}}}
	a, err := NewAgentAssistantWithFactory(cfg, func(*config.Config, string) (Runtime, error) {
		return rt, nil
	})
	if err != nil {
		t.Fatalf("NewAgentAssistantWithFactory error: %v", err)
	}
	defer a.Close()

	if _, err := a.Ask(context.Background(), sampleRequest("How do I sleep better?")); err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if _, err := a.Ask(context.Background(), sampleRequest("Why was Tuesday rough?")); err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if !strings.Contains(rt.requests[0].Prompt, "[Coaching Guides]\n## sleep\nNo screens before bed.") {
		t.Errorf("guide missing from prompt:\n%s", rt.requests[0].Prompt)
	}
	if strings.Contains(rt.requests[1].Prompt, "[Coaching Guides]") {
		t.Error("unrelated question should not pull in guides")
	}
}

func TestGuideSet_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeGuide(t, dir, "sleep", "---\nname: sleep\nkeywords: [sleep]\n---\nv1\n")

	s := NewGuideSet(dir)
	if err := s.Watch(); err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	defer s.Close()

	if got := s.Guides(); len(got) != 1 || got[0].Body != "v1" {
		t.Fatalf("initial guides = %+v", got)
	}

	writeGuide(t, dir, "sleep", "---\nname: sleep\nkeywords: [sleep]\n---\nv2\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.Guides(); len(got) == 1 && got[0].Body == "v2" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("guides not reloaded: %+v", s.Guides())
}

func TestGuideSet_MissingDir(t *testing.T) {
	s := NewGuideSet(filepath.Join(t.TempDir(), "none"))
	if err := s.Watch(); err != nil {
		t.Errorf("Watch error: %v", err)
	}
	if len(s.Guides()) != 0 {
		t.Error("expected no guides")
	}
	s.Close()
	s.Close()

	var nilSet *GuideSet
	if nilSet.Guides() != nil {
		t.Error("nil set should have no guides")
	}
	nilSet.Close()
}

func TestGuideSet_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	writeGuide(t, dir, "sleep", "---\nname: sleep\nkeywords: [sleep]\n---\nbody\n")
	s := NewGuideSet(dir)

	writeGuide(t, dir, "other", "---\nname: sleep\n---\nduplicate\n")
	if err := s.Reload(); err == nil {
		t.Fatal("expected duplicate error")
	}
	if got := s.Guides(); len(got) != 1 || got[0].Body != "body" {
		t.Errorf("guides = %+v", got)
	}
}
