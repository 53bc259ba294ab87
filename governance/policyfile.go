package governance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDebounce coalesces the burst of writes an editor makes when saving.
var reloadDebounce = 250 * time.Millisecond

type policyFile struct {
	Policies []filePolicy `yaml:"policies"`
}

type filePolicy struct {
	Policy   `yaml:",inline"`
	Disabled bool `yaml:"disabled,omitempty"` // policies are active unless disabled
}

// LoadPolicyFile reads policies from a YAML document of the form
//
//	policies:
//	  - id: chat-retention
//	    tenant: acme
//	    name: Chat retention
//	    rules:
//	      conversations: {retention_days: 90}
//	      facts: {max_versions: 20}
func LoadPolicyFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	out := make([]Policy, 0, len(doc.Policies))
	for i, fp := range doc.Policies {
		p := fp.Policy
		if p.PolicyID == "" {
			return nil, fmt.Errorf("policy file: entry %d has no id", i)
		}
		p.Active = !fp.Disabled
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy file: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ApplyPolicyFile loads path and saves every policy in it. Policies removed from the file
// are left as they are.
func (e *Engine) ApplyPolicyFile(ctx context.Context, path string) (int, error) {
	policies, err := LoadPolicyFile(path)
	if err != nil {
		return 0, err
	}
	for _, p := range policies {
		if _, err := e.SavePolicy(ctx, p); err != nil {
			return 0, fmt.Errorf("save policy %s: %w", p.PolicyID, err)
		}
	}
	e.logger.Info().Str("path", path).Int("policies", len(policies)).Msg("Policy file loaded")
	return len(policies), nil
}

// WatchPolicyFile loads path, then reloads it on every change until ctx is done. The
// directory is watched rather than the file so editors that replace the file on save are
// followed. A bad reload is logged and the previous policies stay in force.
func (e *Engine) WatchPolicyFile(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	if _, err := e.ApplyPolicyFile(ctx, path); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != path || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			reload = time.After(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn().Err(err).Msg("Policy watcher error")
		case <-reload:
			reload = nil
			if _, err := e.ApplyPolicyFile(ctx, path); err != nil {
				e.logger.Error().Err(err).Str("path", path).Msg("Failed to reload policy file")
			}
		}
	}
}
