package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	bundleSuffix = ".bundle.json"
	reloadDelay  = 500 * time.Millisecond
)

var errUnsupportedFile = errors.New("unsupported policy file type")

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// cachedFile holds the policies parsed from one file, valid while the file's
// size and modification time are unchanged.
type cachedFile struct {
	size     int64
	modTime  time.Time
	policies []Policy
}

// Loader reads custom policies from disk. A path is a .rego file, a JSON
// policy, a *.bundle.json bundle, or a directory searched recursively for
// those.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cache   map[string]cachedFile
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader with an empty cache.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedFile),
	}
}

// Load reads every policy under paths. A file named directly must parse; a
// broken file found while walking a directory is logged and skipped.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
		if !info.IsDir() {
			policies, err := l.readFile(root)
			if err != nil {
				return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
			}
			all = append(all, policies...)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isPolicyFile(path) {
				return err
			}
			policies, err := l.readFile(path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			all = append(all, policies...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("policies", len(all)).Strs("paths", paths).Msg("Policies loaded")
	return all, nil
}

// readFile parses one policy file, reusing the cached result while the file
// is unchanged.
func (l *Loader) readFile(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var policies []Policy
	switch {
	case strings.HasSuffix(path, bundleSuffix):
		bundle, err := parseBundle(data)
		if err != nil {
			return nil, err
		}
		l.logger.Debug().Str("bundle", bundle.Name).Str("version", bundle.Version).
			Int("policies", len(bundle.Policies)).Msg("Policy bundle read")
		policies = bundle.Policies
	case strings.HasSuffix(path, ".rego"):
		policies = []Policy{parseRego(path, string(data))}
	case strings.HasSuffix(path, ".json"):
		p, err := parseJSONPolicy(data)
		if err != nil {
			return nil, err
		}
		policies = []Policy{*p}
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedFile, path)
	}

	now := time.Now()
	for i := range policies {
		policies[i].Source = path
		policies[i].Builtin = false
		policies[i].LoadedAt = now
	}

	l.mu.Lock()
	l.cache[path] = cachedFile{size: info.Size(), modTime: info.ModTime(), policies: policies}
	l.mu.Unlock()
	return policies, nil
}

// parseRego names the policy after its file. Leading comments form the
// description and a "# severity: <level>" comment sets the severity.
func parseRego(path, content string) Policy {
	description, severity := regoHeader(content)
	if severity == "" {
		severity = SeverityError
	}
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        content,
		Severity:    severity,
		Enabled:     true,
	}
}

// regoHeader reads the comment block at the top of a Rego module.
func regoHeader(content string) (string, Severity) {
	var (
		words    []string
		severity Severity
	)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if value, ok := strings.CutPrefix(strings.ToLower(comment), "severity:"); ok {
			switch sev := Severity(strings.TrimSpace(value)); sev {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				severity = sev
			}
			continue
		}
		if comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " "), severity
}

func parseJSONPolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		return nil, errors.New("JSON policy has no name")
	}
	fillDefaults(&p)
	return &p, nil
}

func parseBundle(data []byte) (*PolicyBundle, error) {
	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse policy bundle: %w", err)
	}
	for i := range bundle.Policies {
		if bundle.Policies[i].Name == "" {
			return nil, fmt.Errorf("policy %d of bundle %q has no name", i, bundle.Name)
		}
		fillDefaults(&bundle.Policies[i])
	}
	return &bundle, nil
}

func fillDefaults(p *Policy) {
	if p.Severity == "" {
		p.Severity = SeverityError
	}
}

// Watch calls reload with a fresh Load of paths after policy files under
// them change. Bursts of changes are coalesced. It returns once the watcher
// is installed; watching stops when ctx is done or Close is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	for _, root := range paths {
		if err := addWatch(watcher, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Cannot watch policy path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watchLoop(ctx, watcher, paths, reload)
	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
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
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(path)
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addWatch(watcher, event.Name)
				}
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDelay, func() {
				policies, err := l.Load(ctx, paths)
				if err == nil {
					err = reload(policies)
				}
				if err != nil {
					l.logger.Error().Err(err).Msg("Policy reload failed")
					return
				}
				l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.mu.Lock()
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Close()
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedFile)
	l.mu.Unlock()
}
