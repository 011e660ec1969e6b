package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"helmsman/internal/logging"
	"helmsman/internal/types"
)

// =============================================================================
// AGENT DEFINITIONS
// =============================================================================

// Definition is one agent asset: a YAML front-matter header plus a markdown
// instruction body.
type Definition struct {
	Name         string   `yaml:"name"`
	DisplayName  string   `yaml:"display_name"`
	Model        string   `yaml:"model"`
	Temperature  float64  `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
	Capabilities []string `yaml:"capabilities"`
	Category     string   `yaml:"category"`
	Phase        string   `yaml:"phase"`
	Tools        []string `yaml:"tools"`
	Tags         []string `yaml:"tags"`

	Instructions string `yaml:"-"`
	SourcePath   string `yaml:"-"`
}

// ForPhase reports whether the agent is declared for the given phase.
// An agent with no phase serves every phase.
func (d *Definition) ForPhase(phase types.Phase) bool {
	return d.Phase == "" || d.Phase == string(phase)
}

// ParseDefinition splits front-matter from body and unmarshals the header.
func ParseDefinition(raw []byte, sourcePath string) (*Definition, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return nil, fmt.Errorf("%s: missing front-matter header", sourcePath)
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fmt.Errorf("%s: unterminated front-matter header", sourcePath)
	}
	header := rest[:end]
	body := rest[end+len("\n---"):]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	}

	var def Definition
	if err := yaml.Unmarshal([]byte(header), &def); err != nil {
		return nil, fmt.Errorf("%s: parse front-matter: %w", sourcePath, err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("%s: agent definition has no name", sourcePath)
	}
	def.Instructions = strings.TrimSpace(body)
	def.SourcePath = sourcePath
	return &def, nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the loaded agent definitions and optionally rescans the
// assets directory when files change.
type Registry struct {
	dir string

	mu   sync.RWMutex
	defs map[string]*Definition

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRegistry loads all definitions under dir. A missing directory is not an
// error; the registry starts empty.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir, defs: make(map[string]*Definition)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rescans the assets directory. Individual malformed files are logged
// and skipped; they never fail the whole scan.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read assets dir: %w", err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logging.Agents("Skipping unreadable asset %s: %v", path, err)
			continue
		}
		def, err := ParseDefinition(raw, path)
		if err != nil {
			logging.Agents("Skipping malformed asset: %v", err)
			continue
		}
		if prev, dup := defs[def.Name]; dup {
			logging.Agents("Duplicate agent %q: %s shadows %s", def.Name, path, prev.SourcePath)
		}
		defs[def.Name] = def
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	logging.Agents("Loaded %d agent definitions from %s", len(defs), r.dir)
	return nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListForPhase returns agents declared for the phase, sorted by name.
func (r *Registry) ListForPhase(phase types.Phase) []*Definition {
	all := r.List()
	out := all[:0]
	for _, def := range all {
		if def.ForPhase(phase) {
			out = append(out, def)
		}
	}
	return out
}

// Watch starts hot-reloading on asset changes. Events are debounced so an
// editor save burst triggers one rescan.
func (r *Registry) Watch() error {
	if r.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create asset watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	r.watcher = watcher
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go func() {
		defer close(r.doneCh)
		var pending <-chan time.Time
		for {
			select {
			case <-r.stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					pending = time.After(200 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Agents("Asset watcher error: %v", err)
			case <-pending:
				pending = nil
				if err := r.Reload(); err != nil {
					logging.Agents("Hot reload failed: %v", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the watcher.
func (r *Registry) Stop() {
	if r.watcher == nil {
		return
	}
	close(r.stopCh)
	r.watcher.Close()
	<-r.doneCh
	r.watcher = nil
}
