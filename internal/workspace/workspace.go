// Package workspace reports live facts about the environment the agent is
// operating in: operating system, shell, working directory, and a bounded
// listing of workspace files for the system prompt.
package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/antinomyhq/forge-sub003/internal/logging"
)

// Info is one snapshot of environment facts. It feeds the context renderer
// and the env/info control-surface method.
type Info struct {
	OS         string   `json:"os"`
	Shell      string   `json:"shell"`
	WorkingDir string   `json:"working_dir"`
	Files      []string `json:"files"`
	Truncated  bool     `json:"truncated"`
}

// DefaultMaxFiles bounds the file listing embedded into the system prompt.
const DefaultMaxFiles = 200

// Scanner produces Info snapshots. The file listing is the expensive part,
// so it is cached and only re-walked after the watcher sees a mutation.
// Watching is optional; without it every Snapshot re-walks, which is the
// correct-by-default behavior.
type Scanner struct {
	root     string
	maxFiles int

	mu      sync.Mutex
	files   []string
	trunc   bool
	haveRun bool
	dirty   bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewScanner creates a scanner rooted at the given directory.
func NewScanner(root string, maxFiles int) *Scanner {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	return &Scanner{root: root, maxFiles: maxFiles}
}

// Watch starts filesystem invalidation. After a successful Watch, Snapshot
// reuses the cached listing until something under root changes. Errors are
// non-fatal; the scanner just stays in always-rescan mode.
func (s *Scanner) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.root); err != nil {
		w.Close()
		return err
	}
	// fsnotify watches are not recursive; every existing subdirectory needs
	// its own watch, and directories created later are added from the event
	// loop below.
	s.watchTree(w, s.root)

	s.mu.Lock()
	s.watcher = w
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				s.mu.Lock()
				s.dirty = true
				s.mu.Unlock()
				if ev.Op.Has(fsnotify.Create) {
					if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
						s.watchTree(w, ev.Name)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Template("workspace watcher error: %v", err)
			case <-done:
				return
			}
		}
	}()
	return nil
}

// watchTree adds watches for dir and every directory below it, skipping the
// same directories the listing walk skips.
func (s *Scanner) watchTree(w *fsnotify.Watcher, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != s.root && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
			return fs.SkipDir
		}
		if aerr := w.Add(path); aerr != nil {
			logging.Template("workspace watch %s: %v", path, aerr)
		}
		return nil
	})
}

// Close stops the watcher if one is running.
func (s *Scanner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		close(s.done)
		s.watcher.Close()
		s.watcher = nil
	}
}

// Snapshot returns the current environment facts.
func (s *Scanner) Snapshot() Info {
	s.mu.Lock()
	rescan := !s.haveRun || s.dirty || s.watcher == nil
	s.mu.Unlock()

	if rescan {
		files, trunc := s.walk()
		s.mu.Lock()
		s.files = files
		s.trunc = trunc
		s.haveRun = true
		s.dirty = false
		s.mu.Unlock()
	}

	s.mu.Lock()
	files := make([]string, len(s.files))
	copy(files, s.files)
	trunc := s.trunc
	s.mu.Unlock()

	return Info{
		OS:         runtime.GOOS,
		Shell:      detectShell(),
		WorkingDir: s.root,
		Files:      files,
		Truncated:  trunc,
	}
}

func (s *Scanner) walk() ([]string, bool) {
	var files []string
	truncated := false

	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are simply absent from context
		}
		name := d.Name()
		if d.IsDir() {
			if path != s.root && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		if len(files) >= s.maxFiles {
			truncated = true
			return fs.SkipAll
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})

	sort.Strings(files)
	return files, truncated
}

func detectShell() string {
	if runtime.GOOS == "windows" {
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec
		}
		return "cmd.exe"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}
