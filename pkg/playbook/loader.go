package playbook

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Loader loads playbook definitions from a library directory with
// modification-time caching. Paths are validated so a playbook
// reference can never escape the library root or traverse symlinks.
type Loader struct {
	root string

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type cacheEntry struct {
	playbook *Playbook
	modTime  time.Time
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string) (*Loader, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve playbook dir: %w", err)
	}
	return &Loader{
		root:  abs,
		cache: make(map[string]*cacheEntry),
	}, nil
}

// Root returns the library root directory.
func (l *Loader) Root() string {
	return l.root
}

// Load reads, parses and validates the playbook at the given path
// relative to the library root. Parsed definitions are cached keyed by
// absolute path and invalidated when the file's mtime changes.
func (l *Loader) Load(path string) (*Playbook, error) {
	absPath, err := l.safePath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("read playbook %s: %w", path, err)
	}

	l.mu.RLock()
	entry, ok := l.cache[absPath]
	l.mu.RUnlock()
	if ok && entry.modTime.Equal(info.ModTime()) {
		return entry.playbook, nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read playbook %s: %w", path, err)
	}

	pb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("playbook %s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[absPath] = &cacheEntry{playbook: pb, modTime: info.ModTime()}
	l.mu.Unlock()

	return pb, nil
}

// List returns library-relative paths of playbook files matching the
// glob pattern (default "**/*.{yml,yaml}" when pattern is empty).
func (l *Loader) List(pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "**/*.{yml,yaml}"
	}

	var paths []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		match, err := doublestar.Match(pattern, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if match {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	return paths, nil
}

// Watch starts an fsnotify watcher on the library root that evicts
// cache entries for changed files. Safe to call once; Close stops it.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start playbook watcher: %w", err)
	}
	if err := w.Add(l.root); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", l.root, err)
	}

	l.watcher = w
	l.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
					abs, err := filepath.Abs(ev.Name)
					if err == nil {
						l.mu.Lock()
						delete(l.cache, abs)
						l.mu.Unlock()
					}
				}
			case <-w.Errors:
				// Watcher errors are non-fatal; the mtime check in Load
				// still catches stale entries.
			case <-l.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the watcher if one is running.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	return l.watcher.Close()
}

// safePath resolves a library-relative path and rejects anything that
// escapes the root or passes through a symlink.
func (l *Loader) safePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("playbook path is empty")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("playbook path must be relative to the library: %s", path)
	}

	absPath := filepath.Join(l.root, path)
	rel, err := filepath.Rel(l.root, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("playbook path escapes library: %s", path)
	}

	if err := checkNoSymlinks(l.root, rel); err != nil {
		return "", fmt.Errorf("playbook path %s: %w", path, err)
	}

	return absPath, nil
}

// checkNoSymlinks verifies that no component within the relative path
// is a symlink. Only components under the library root are checked.
func checkNoSymlinks(baseDir, relPath string) error {
	if relPath == "." {
		return nil
	}

	current := baseDir
	for _, component := range strings.Split(filepath.Clean(relPath), string(filepath.Separator)) {
		if component == "" || component == "." {
			continue
		}
		current = filepath.Join(current, component)

		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("path contains symlink: %s", current)
		}
	}
	return nil
}
