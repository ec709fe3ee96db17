package manifest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hrygo/divinesense-router/ai/routing"
)

// Loader applies manifests to a registry and remembers what each source
// declared. When a source goes away its domain falls back to another source
// declaring the same domain, or is unregistered.
type Loader struct {
	registry *routing.Registry
	catalog  *Catalog
	logger   *slog.Logger

	mu      sync.Mutex
	sources map[string]*Manifest
	order   []string
}

func NewLoader(registry *routing.Registry, catalog *Catalog, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry: registry,
		catalog:  catalog,
		logger:   logger,
		sources:  make(map[string]*Manifest),
	}
}

// Apply registers the module described by m. Without replace, a domain that
// is already registered fails with routing.ErrDuplicateCapability. With
// replace, the module's patterns and expert are swapped in and parts the
// manifest no longer declares are removed.
func (l *Loader) Apply(m *Manifest, replace bool) error {
	bindings, adapter, err := l.catalog.Bind(m)
	if err != nil {
		return err
	}

	var opts []routing.Option
	if replace {
		opts = append(opts, routing.WithReplace())
	}
	return l.registry.RegisterModule(routing.Module{
		Domain:   m.Domain,
		Patterns: m.Patterns,
		Handlers: bindings,
		Expert:   adapter,
	}, opts...)
}

// LoadBytes parses and applies a manifest read from source.
func (l *Loader) LoadBytes(source string, data []byte, replace bool) (*Manifest, error) {
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	previous, known := l.sources[source]
	if err := l.Apply(m, replace); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	l.sources[source] = m
	if !known {
		l.order = append(l.order, source)
	} else if previous.Domain != m.Domain {
		l.releaseLocked(previous.Domain)
	}

	l.logger.Info("manifest loaded",
		"source", source,
		"domain", m.Domain,
		"intents", len(m.Patterns),
		"expert", m.Expert != nil,
		"replace", replace)
	return m, nil
}

// LoadFile reads and applies one manifest file.
func (l *Loader) LoadFile(path string, replace bool) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return l.LoadBytes(path, data, replace)
}

// LoadDir applies every manifest in dir in file name order and stops at the
// first failure. With replace, files override modules already registered.
func (l *Loader) LoadDir(dir string, replace bool) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsManifestFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*Manifest, 0, len(names))
	for _, name := range names {
		m, err := l.LoadFile(filepath.Join(dir, name), replace)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Remove forgets source. Its domain is restored from the most recently
// loaded remaining source that declares it, or unregistered. It reports
// whether source was known.
func (l *Loader) Remove(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.sources[source]
	if !ok {
		return false
	}
	delete(l.sources, source)
	for i, s := range l.order {
		if s == source {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.releaseLocked(m.Domain)
	l.logger.Info("manifest removed", "source", source, "domain", m.Domain)
	return true
}

// Domain returns the domain loaded from source.
func (l *Loader) Domain(source string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.sources[source]
	if !ok {
		return "", false
	}
	return m.Domain, true
}

// Sources lists loaded sources in load order.
func (l *Loader) Sources() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func (l *Loader) releaseLocked(domain string) {
	for i := len(l.order) - 1; i >= 0; i-- {
		src := l.order[i]
		m := l.sources[src]
		if m.Domain != domain {
			continue
		}
		if err := l.Apply(m, true); err != nil {
			l.logger.Warn("restore manifest failed", "source", src, "domain", domain, "error", err)
			continue
		}
		l.logger.Info("manifest restored", "source", src, "domain", domain)
		return
	}
	if err := l.registry.Unregister(domain); err != nil && !errors.Is(err, routing.ErrNotFound) {
		l.logger.Warn("unregister capability failed", "domain", domain, "error", err)
	}
	if err := l.registry.UnregisterExpert(domain); err != nil && !errors.Is(err, routing.ErrNotFound) {
		l.logger.Warn("unregister expert failed", "domain", domain, "error", err)
	}
}

// IsManifestFile reports whether name has a YAML extension.
func IsManifestFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
