package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/polyauthz/engine/internal/authz"
)

// PolicySet is the on-disk YAML document a policy file decodes into: a
// named list of policies, mirroring the §3 Policy/Rule/Condition model 1:1.
type PolicySet struct {
	Policies []authz.Policy `yaml:"policies"`
}

// StaticProvider serves policies loaded from YAML files in a directory,
// refreshed on write via fsnotify. Adapted from the teacher's
// policy.Loader.WatchConfig/watchLoop (directory-watch-not-file,
// write-or-create-only reaction), generalized here from a single config
// file to a directory of policy documents.
type StaticProvider struct {
	logger *slog.Logger
	dir    string

	onReload func() // optional hook, e.g. to invalidate the engine's cache

	mu       sync.RWMutex
	policies []authz.Policy

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewStaticProvider loads every *.yaml/*.yml file under dir into a
// StaticProvider. onReload, if non-nil, is invoked after every successful
// reload triggered by a filesystem change (e.g. to clear the engine's
// policy cache).
func NewStaticProvider(dir string, logger *slog.Logger, onReload func()) (*StaticProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &StaticProvider{
		logger:   logger.With("component", "provider.StaticProvider"),
		dir:      dir,
		onReload: onReload,
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *StaticProvider) reload() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("provider: read policy dir %s: %w", p.dir, err)
	}

	var loaded []authz.Policy
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(p.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			p.logger.Error("skipping unreadable policy file", "path", path, "error", err)
			continue
		}

		var set PolicySet
		if err := yaml.Unmarshal(data, &set); err != nil {
			p.logger.Error("skipping invalid policy document", "path", path, "error", err)
			continue
		}
		loaded = append(loaded, set.Policies...)
	}

	p.mu.Lock()
	p.policies = loaded
	p.mu.Unlock()

	p.logger.Info("policy set loaded", "dir", p.dir, "policies", len(loaded))
	return nil
}

// GetPoliciesForContext returns every policy whose scope matches actx:
// global policies always apply; client-scoped policies apply when
// ClientID matches; agent-scoped policies apply when both ClientID and
// AgentID match.
func (p *StaticProvider) GetPoliciesForContext(_ context.Context, actx authz.Context) ([]authz.Policy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var matched []authz.Policy
	for _, pol := range p.policies {
		switch pol.Scope {
		case authz.ScopeGlobal:
			matched = append(matched, pol)
		case authz.ScopeClient:
			if pol.ClientID == actx.ClientID {
				matched = append(matched, pol)
			}
		case authz.ScopeAgent:
			if pol.ClientID == actx.ClientID && pol.AgentID == actx.AgentID {
				matched = append(matched, pol)
			}
		}
	}
	return matched, nil
}

// GetPolicyByID returns the policy with the given ID, if loaded.
func (p *StaticProvider) GetPolicyByID(_ context.Context, id string) (authz.Policy, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pol := range p.policies {
		if pol.ID == id {
			return pol, true, nil
		}
	}
	return authz.Policy{}, false, nil
}

// InvalidateCache is a no-op for StaticProvider: it holds no cache of its
// own, only the loaded policy set refreshed by Watch.
func (p *StaticProvider) InvalidateCache(string) {}

// Watch starts an fsnotify watcher on the provider's directory, reloading
// the policy set on any write or create event within it.
func (p *StaticProvider) Watch() error {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()

	if p.watcher != nil {
		p.stopWatchLocked()
	}

	absDir, err := filepath.Abs(p.dir)
	if err != nil {
		return fmt.Errorf("provider: resolve dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("provider: create watcher: %w", err)
	}
	if err := w.Add(absDir); err != nil {
		_ = w.Close()
		return fmt.Errorf("provider: watch dir %s: %w", absDir, err)
	}

	p.watcher = w
	p.watchDone = make(chan struct{})
	go p.watchLoop()

	p.logger.Info("watching policy directory for changes", "dir", absDir)
	return nil
}

func (p *StaticProvider) watchLoop() {
	defer close(p.watchDone)

	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			p.logger.Info("policy directory changed, reloading", "path", event.Name)
			if err := p.reload(); err != nil {
				p.logger.Error("policy reload failed", "error", err)
				continue
			}
			if p.onReload != nil {
				p.onReload()
			}

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the directory watcher, if running.
func (p *StaticProvider) StopWatch() {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	p.stopWatchLocked()
}

func (p *StaticProvider) stopWatchLocked() {
	if p.watcher != nil {
		_ = p.watcher.Close()
		if p.watchDone != nil {
			<-p.watchDone
		}
		p.watcher = nil
		p.watchDone = nil
	}
}
