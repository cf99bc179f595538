package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// persistedState is the on-disk form of the runtime provider selection.
type persistedState struct {
	Provider string `json:"provider"`
}

// ProviderStatus describes one registered provider for the settings API.
type ProviderStatus struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Available bool   `json:"available"`
	Active    bool   `json:"active"`
}

// Factory owns the registered providers and the runtime-switchable active
// selection. The selection is persisted to a small JSON state file and
// reloaded when that file changes on disk, so an operator edit takes effect
// without a restart.
type Factory struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	active    string

	statePath       string
	fallbackEnabled bool
	fallbackOrder   []string

	watcher *fsnotify.Watcher
	done    chan struct{}
	log     *zap.Logger
}

// NewFactory registers providers (in preference order) and restores the
// persisted selection if present, otherwise activates initial.
func NewFactory(initial, statePath string, fallbackEnabled bool, fallbackOrder []string, log *zap.Logger, providers ...Provider) (*Factory, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers registered")
	}
	if log == nil {
		log = zap.NewNop()
	}

	f := &Factory{
		providers:       make(map[string]Provider, len(providers)),
		statePath:       statePath,
		fallbackEnabled: fallbackEnabled,
		fallbackOrder:   fallbackOrder,
		done:            make(chan struct{}),
		log:             log,
	}
	for _, p := range providers {
		f.providers[p.Name()] = p
		f.order = append(f.order, p.Name())
	}

	if _, ok := f.providers[initial]; !ok {
		initial = f.order[0]
	}
	f.active = initial

	if saved, err := f.loadState(); err == nil && saved != "" {
		if _, ok := f.providers[saved]; ok {
			f.active = saved
		}
	}

	return f, nil
}

// Watch starts reloading the state file on disk changes. Call Close to stop.
func (f *Factory) Watch() error {
	if f.statePath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory, not the file: editors and our own SetActive
	// replace the file, which would invalidate a file-level watch.
	dir := filepath.Dir(f.statePath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	f.watcher = watcher
	go f.watchLoop()
	return nil
}

func (f *Factory) watchLoop() {
	target := filepath.Clean(f.statePath)
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			saved, err := f.loadState()
			if err != nil || saved == "" {
				continue
			}
			f.mu.Lock()
			if _, ok := f.providers[saved]; ok && saved != f.active {
				f.log.Info("llm provider reloaded from state file", zap.String("provider", saved))
				f.active = saved
			}
			f.mu.Unlock()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("state file watcher error", zap.Error(err))
		}
	}
}

// Close stops the state-file watcher.
func (f *Factory) Close() error {
	close(f.done)
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

// Active returns the currently active provider.
func (f *Factory) Active() Provider {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.providers[f.active]
}

// SetActive switches the active provider and persists the selection.
func (f *Factory) SetActive(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))

	f.mu.Lock()
	if _, ok := f.providers[name]; !ok {
		f.mu.Unlock()
		return fmt.Errorf("unknown provider %q (registered: %s)", name, strings.Join(f.order, ", "))
	}
	f.active = name
	f.mu.Unlock()

	if err := f.saveState(name); err != nil {
		f.log.Warn("persist provider selection failed", zap.Error(err))
		return fmt.Errorf("persist selection: %w", err)
	}
	return nil
}

// Generate runs the prompt against the active provider. With fallback
// enabled, remaining providers from the fallback order are tried in turn
// and all attempt errors are aggregated if every one fails.
func (f *Factory) Generate(ctx context.Context, prompt string) (*Result, error) {
	f.mu.RLock()
	active := f.active
	fallback := f.fallbackEnabled
	order := f.fallbackOrder
	f.mu.RUnlock()

	attempts := []string{active}
	if fallback {
		for _, name := range order {
			if name != active {
				attempts = append(attempts, name)
			}
		}
	}

	var errs []error
	for _, name := range attempts {
		f.mu.RLock()
		p, ok := f.providers[name]
		f.mu.RUnlock()
		if !ok || !p.Available() {
			continue
		}

		result, err := p.Generate(ctx, prompt)
		if err == nil {
			return result, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		f.log.Warn("provider attempt failed", zap.String("provider", name), zap.Error(err))
	}

	if len(errs) == 0 {
		return nil, &ProviderError{Provider: active, Kind: KindAuth, Message: "no configured provider available"}
	}
	return nil, errors.Join(errs...)
}

// Status lists every registered provider with its availability and whether
// it is active.
func (f *Factory) Status() []ProviderStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(f.order))
	for _, name := range f.order {
		p := f.providers[name]
		out = append(out, ProviderStatus{
			Name:      name,
			Model:     p.Model(),
			Available: p.Available(),
			Active:    name == f.active,
		})
	}
	return out
}

func (f *Factory) loadState() (string, error) {
	if f.statePath == "" {
		return "", nil
	}
	data, err := os.ReadFile(f.statePath)
	if err != nil {
		return "", err
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(st.Provider)), nil
}

func (f *Factory) saveState(name string) error {
	if f.statePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(persistedState{Provider: name}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.statePath, data, 0o644)
}
