package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce collapses bursts of file events into one reload.
const reloadDebounce = 500 * time.Millisecond

// Loader reads policies from .rego and .json files and watches them for changes.
//
// A .rego file may start with a comment header. Plain comment lines form the
// policy description; "key: value" lines set severity, tags, and enabled:
//
//	# Projects need a cost center tag.
//	# severity: warning
//	# tags: projects, billing
//	package custom.costcenter
type Loader struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	policy  *Policy
	modTime time.Time
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// LoadFromPaths loads every policy file under paths. A path may name a
// single file or a directory, which is walked recursively. Unreadable files
// inside a directory are skipped with a warning; a missing path is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}

		if !info.IsDir() {
			p, err := l.loadFromFile(ctx, root)
			if err != nil {
				return nil, err
			}
			policies = append(policies, *p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isPolicyFile(path) {
				return nil
			}
			p, err := l.loadFromFile(ctx, path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			policies = append(policies, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	l.logger.Info().
		Int("policies", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded")
	return policies, nil
}

// loadFromFile parses one policy file, reusing the cached policy while the
// file's modification time is unchanged.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}

	l.mu.RLock()
	cached, ok := l.cache[path]
	l.mu.RUnlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = l.parseRego(path, data)
	case ".json":
		p, err = parsePolicyJSON(data)
	default:
		err = fmt.Errorf("unsupported policy file: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = path

	l.mu.Lock()
	l.cache[path] = cachedPolicy{policy: p, modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy file parsed")
	return p, nil
}

// parseRego builds a policy named after the file from Rego source and its
// comment header.
func (l *Loader) parseRego(path string, data []byte) (*Policy, error) {
	now := time.Now()
	description, directives := parseHeader(string(data))

	p := &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for key, value := range directives {
		switch key {
		case "severity":
			sev := Severity(strings.ToLower(value))
			if !sev.Valid() {
				return nil, fmt.Errorf("unknown severity %q", value)
			}
			p.Severity = sev
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		case "enabled":
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("invalid enabled directive %q", value)
			}
			p.Enabled = enabled
		default:
			l.logger.Debug().Str("path", path).Str("directive", key).Msg("Ignoring unknown policy directive")
		}
	}
	return p, nil
}

func parsePolicyJSON(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

// normalize checks the required fields of a policy defined in JSON and fills
// in defaults.
func (p *Policy) normalize() error {
	if p.Name == "" {
		return fmt.Errorf("JSON policy has no name")
	}
	if strings.TrimSpace(p.Rego) == "" {
		return fmt.Errorf("policy %s has no rego source", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if !p.Severity.Valid() {
		return fmt.Errorf("policy %s has unknown severity %q", p.Name, p.Severity)
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return nil
}

// parseHeader reads the leading comment block of a Rego file.
func parseHeader(content string) (string, map[string]string) {
	var words []string
	directives := make(map[string]string)

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(words) > 0 || len(directives) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" {
			continue
		}
		if key, value, ok := strings.Cut(comment, ":"); ok && isDirective(key) {
			directives[strings.ToLower(key)] = strings.TrimSpace(value)
			continue
		}
		words = append(words, comment)
	}
	return strings.Join(words, " "), directives
}

func isDirective(key string) bool {
	switch strings.ToLower(key) {
	case "severity", "tags", "enabled":
		return true
	}
	return false
}

// extractDescription returns the description part of a Rego comment header.
func (l *Loader) extractDescription(content string) string {
	description, _ := parseHeader(content)
	return description
}

// LoadBundle reads a JSON bundle of policies. Every policy is checked like a
// standalone JSON policy and tagged with the bundle it came from.
func (l *Loader) LoadBundle(_ context.Context, path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle %s: %w", path, err)
	}
	if bundle.Name == "" {
		bundle.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	for i := range bundle.Policies {
		p := &bundle.Policies[i]
		if err := p.normalize(); err != nil {
			return nil, fmt.Errorf("bundle %s: %w", bundle.Name, err)
		}
		if p.Metadata == nil {
			p.Metadata = make(map[string]interface{})
		}
		p.Metadata["bundle"] = bundle.Name
		if bundle.Version != "" {
			p.Metadata["bundle_version"] = bundle.Version
		}
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle loaded")
	return &bundle, nil
}

// Watch calls reload with the full policy set of paths whenever a policy
// file under them is written, created, removed, or renamed. Directories
// created later are watched too. It returns once the watcher is running;
// watching stops when ctx ends.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range paths {
		if err := addWatch(watcher, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Cannot watch policy path")
		}
	}

	go l.watch(ctx, watcher, paths, reload)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

// addWatch watches a file, or a directory and all its subdirectories.
func addWatch(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) watch(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := l.reload(ctx, paths, reload); err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed")
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addWatch(watcher, event.Name)
					schedule()
					continue
				}
			}
			if !isPolicyFile(event.Name) ||
				!event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()
			schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	return nil
}

// ClearCache drops every parsed policy so the next load re-reads all files.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cachedPolicy)
}
