package insight

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	runtimeskills "github.com/cexll/agentsdk-go/pkg/runtime/skills"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/lovecare/internal/config"
)

const guideFileName = "GUIDE.md"

// Upper bound on guides added to a single prompt.
const maxGuidesPerPrompt = 2

var errInvalidGuideYAML = errors.New("invalid guide YAML frontmatter")

type guideFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
}

// Guide is a coaching note the operator drops into the insight workspace.
// A guide whose keywords appear in the user's question is appended to the
// prompt so answers can follow house advice (sleep hygiene, breathing, ...).
type Guide struct {
	Name        string
	Description string
	Keywords    []string
	Body        string
	Path        string
}

// GuidesDir is where guides live: <workspace>/guides/<name>/GUIDE.md.
func GuidesDir(cfg *config.Config) string {
	return filepath.Join(cfg.InsightWorkspace(), "guides")
}

// LoadGuides reads every guide under dir in name order. A missing dir yields
// no guides. Guides with unparsable frontmatter are skipped with a warning.
func LoadGuides(dir string) ([]Guide, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat guides dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("guides path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read guides dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var guides []Guide
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), guideFileName)
		g, skip, err := parseGuideFile(path)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		if prev, ok := seen[g.Name]; ok {
			return nil, fmt.Errorf("duplicate guide name %q in %s (already in %s)", g.Name, path, prev)
		}
		seen[g.Name] = path
		guides = append(guides, g)
	}
	return guides, nil
}

func parseGuideFile(path string) (Guide, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Guide{}, true, nil
		}
		return Guide{}, false, fmt.Errorf("read guide %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		if errors.Is(err, errInvalidGuideYAML) {
			zap.L().Named("insight").Warn("skip guide with invalid YAML", zap.String("path", path), zap.Error(err))
			return Guide{}, true, nil
		}
		return Guide{}, false, fmt.Errorf("parse guide %q: %w", path, err)
	}
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		return Guide{}, false, fmt.Errorf("parse guide %q: missing name", path)
	}

	return Guide{
		Name:        name,
		Description: strings.TrimSpace(meta.Description),
		Keywords:    sanitizeKeywords(meta.Keywords),
		Body:        strings.TrimSpace(body),
		Path:        path,
	}, false, nil
}

func parseFrontmatter(content []byte) (guideFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return guideFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return guideFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta guideFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return guideFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidGuideYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}

func sanitizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	var out []string
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// match scores the guide against a question. Guides without keywords never
// match.
func (g Guide) match(question string) runtimeskills.MatchResult {
	if len(g.Keywords) == 0 || g.Body == "" {
		return runtimeskills.MatchResult{}
	}
	m := runtimeskills.KeywordMatcher{Any: g.Keywords}
	return m.Match(runtimeskills.ActivationContext{Prompt: question})
}

// MatchGuides returns the best guides for question, strongest first.
func MatchGuides(guides []Guide, question string) []Guide {
	type scored struct {
		guide  Guide
		result runtimeskills.MatchResult
	}
	var hits []scored
	for _, g := range guides {
		if r := g.match(question); r.Matched {
			hits = append(hits, scored{g, r})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].result.BetterThan(hits[j].result)
	})
	if len(hits) > maxGuidesPerPrompt {
		hits = hits[:maxGuidesPerPrompt]
	}
	out := make([]Guide, len(hits))
	for i, h := range hits {
		out[i] = h.guide
	}
	return out
}

// withGuides appends matched guides to an already built prompt.
func withGuides(prompt string, guides []Guide, question string) string {
	matched := MatchGuides(guides, question)
	if len(matched) == 0 {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n[Coaching Guides]\n")
	for _, g := range matched {
		fmt.Fprintf(&sb, "## %s\n%s\n", g.Name, g.Body)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// GuideSet holds the guides of one directory and reloads them when files
// under it change.
type GuideSet struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	guides  []Guide
	watcher *fsnotify.Watcher
	doneCh  chan struct{}
}

// NewGuideSet loads guides from dir. Load failures leave the set empty.
func NewGuideSet(dir string) *GuideSet {
	s := &GuideSet{dir: dir, logger: zap.L().Named("insight")}
	if err := s.Reload(); err != nil {
		s.logger.Warn("guides disabled", zap.Error(err))
	}
	return s
}

// Reload re-reads the directory. On error the previous guides are kept.
func (s *GuideSet) Reload() error {
	guides, err := LoadGuides(s.dir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.guides = guides
	s.mu.Unlock()
	return nil
}

// Guides returns a snapshot of the loaded guides.
func (s *GuideSet) Guides() []Guide {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Guide(nil), s.guides...)
}

// Watch reloads the set whenever a guide file changes. A missing directory
// is not watched.
func (s *GuideSet) Watch() error {
	if _, err := os.Stat(s.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create guides watcher: %w", err)
	}
	if err := addGuideDirs(w, s.dir); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w
	s.doneCh = make(chan struct{})
	go s.run(w, s.doneCh)
	return nil
}

// addGuideDirs watches dir and its immediate subdirectories; fsnotify is
// not recursive.
func addGuideDirs(w *fsnotify.Watcher, dir string) error {
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read guides dir %q: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("watch %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

func (s *GuideSet) run(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.Add(event.Name)
				}
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("guides reload failed", zap.String("path", event.Name), zap.Error(err))
				continue
			}
			s.logger.Debug("guides reloaded", zap.String("path", event.Name))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("guides watcher error", zap.Error(err))
		}
	}
}

// Close stops watching. The loaded guides stay usable.
func (s *GuideSet) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	w, done := s.watcher, s.doneCh
	s.watcher, s.doneCh = nil, nil
	s.mu.Unlock()
	if w == nil {
		return
	}
	_ = w.Close()
	<-done
}

// openWorkspaceGuides loads and watches the guides for an assistant.
func openWorkspaceGuides(cfg *config.Config) *GuideSet {
	s := NewGuideSet(GuidesDir(cfg))
	if err := s.Watch(); err != nil {
		s.logger.Warn("guides will not reload", zap.Error(err))
	}
	return s
}
