package ide

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/codefionn/autopilot/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// LocalIDE serves IDE operations straight from the local filesystem. Files
// it has read or written are tracked; changes to them that did not go
// through ApplyFileSystemEdit are reported as manual edits.
type LocalIDE struct {
	root string
	log  *logger.Logger

	mu          sync.Mutex
	open        map[string]bool
	highlighted []RangeInFile
	known       map[string]string
	sink        EventSink

	watcher   *fsnotify.Watcher
	watchDirs map[string]bool
	stopWatch chan struct{}
	watchWG   sync.WaitGroup
}

// NewLocalIDE creates a LocalIDE rooted at root.
func NewLocalIDE(root string, log *logger.Logger) *LocalIDE {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &LocalIDE{
		root:      abs,
		log:       logger.OrNop(log).WithPrefix("ide"),
		open:      make(map[string]bool),
		known:     make(map[string]string),
		watchDirs: make(map[string]bool),
	}
}

// Watch starts reporting out-of-band edits of tracked files to sink.
func (l *LocalIDE) Watch(sink EventSink) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	l.mu.Lock()
	l.sink = sink
	l.watcher = watcher
	l.stopWatch = make(chan struct{})
	dirs := make([]string, 0, len(l.known))
	for path := range l.known {
		dirs = append(dirs, filepath.Dir(path))
	}
	l.mu.Unlock()

	for _, dir := range dirs {
		l.watchDir(dir)
	}

	l.watchWG.Add(1)
	go l.watchFiles()
	return nil
}

// Close stops the watcher.
func (l *LocalIDE) Close() error {
	l.mu.Lock()
	watcher := l.watcher
	stop := l.stopWatch
	l.watcher = nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	close(stop)
	err := watcher.Close()
	l.watchWG.Wait()
	return err
}

func (l *LocalIDE) watchFiles() {
	defer l.watchWG.Done()

	l.mu.Lock()
	watcher := l.watcher
	stop := l.stopWatch
	l.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				l.checkManualEdit(filepath.Clean(event.Name))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.log.Error("filesystem watcher error: %v", err)
		}
	}
}

func (l *LocalIDE) checkManualEdit(path string) {
	l.mu.Lock()
	previous, tracked := l.known[path]
	sink := l.sink
	l.mu.Unlock()
	if !tracked || sink == nil {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	current := string(data)
	if current == previous {
		return
	}

	l.mu.Lock()
	l.known[path] = current
	l.mu.Unlock()

	l.log.Debug("manual edit detected in %s", path)
	sink.HandleManualEdits([]FileEditWithFullContents{{
		Edit:             NewFileEdit(path, FullRange(previous), current),
		PreviousContents: previous,
		Contents:         current,
	}})
}

func (l *LocalIDE) watchDir(dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil || l.watchDirs[dir] {
		return
	}
	if err := l.watcher.Add(dir); err != nil {
		l.log.Warn("failed to watch %s: %v", dir, err)
		return
	}
	l.watchDirs[dir] = true
}

func (l *LocalIDE) track(path, contents string) {
	l.mu.Lock()
	l.known[path] = contents
	l.mu.Unlock()
	l.watchDir(filepath.Dir(path))
}

func (l *LocalIDE) untrack(path string) {
	l.mu.Lock()
	delete(l.known, path)
	l.mu.Unlock()
}

func (l *LocalIDE) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(l.root, path)
}

// WorkspaceDirectory returns the root directory.
func (l *LocalIDE) WorkspaceDirectory() string {
	return l.root
}

// ReadFile reads a file and starts tracking it for manual edits.
func (l *LocalIDE) ReadFile(_ context.Context, path string) (string, error) {
	abs := l.abs(path)
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	l.track(abs, string(data))
	return string(data), nil
}

// ApplyFileSystemEdit applies edit and returns it with its inverse.
func (l *LocalIDE) ApplyFileSystemEdit(ctx context.Context, edit FileSystemEdit) (EditDiff, error) {
	if err := ctx.Err(); err != nil {
		return EditDiff{}, err
	}

	switch edit.Kind {
	case EditSequence:
		backward := make([]FileSystemEdit, 0, len(edit.Edits))
		for _, child := range edit.Edits {
			d, err := l.ApplyFileSystemEdit(ctx, child)
			if err != nil {
				return EditDiff{}, err
			}
			backward = append([]FileSystemEdit{d.Backward}, backward...)
		}
		return EditDiff{Forward: edit, Backward: NewSequence(backward...)}, nil

	case EditFile:
		abs := l.abs(edit.Filepath)
		before, err := l.readExisting(abs)
		if err != nil {
			return EditDiff{}, err
		}
		rng := FullRange(before)
		if edit.Range != nil {
			rng = *edit.Range
		}
		after, replaced, newRange := ApplyRangeEdit(before, rng, edit.Replacement)
		if err := l.write(abs, after); err != nil {
			return EditDiff{}, err
		}
		return EditDiff{Forward: edit, Backward: NewFileEdit(edit.Filepath, newRange, replaced)}, nil

	case EditPatch:
		abs := l.abs(edit.Filepath)
		before, err := l.readExisting(abs)
		if err != nil {
			return EditDiff{}, err
		}
		after, err := ApplyUnifiedDiff(before, edit.Diff)
		if err != nil {
			return EditDiff{}, err
		}
		if err := l.write(abs, after); err != nil {
			return EditDiff{}, err
		}
		return EditDiff{Forward: edit, Backward: NewFileEdit(edit.Filepath, FullRange(after), before)}, nil

	case EditAddFile:
		abs := l.abs(edit.Filepath)
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return EditDiff{}, err
		}
		if err := l.write(abs, edit.Content); err != nil {
			return EditDiff{}, err
		}
		return EditDiff{Forward: edit, Backward: NewDeleteFile(edit.Filepath)}, nil

	case EditDeleteFile:
		abs := l.abs(edit.Filepath)
		before, err := l.readExisting(abs)
		if err != nil {
			return EditDiff{}, err
		}
		if err := os.Remove(abs); err != nil {
			return EditDiff{}, err
		}
		l.untrack(abs)
		return EditDiff{Forward: edit, Backward: NewAddFile(edit.Filepath, before)}, nil

	case EditAddDirectory:
		if err := os.MkdirAll(l.abs(edit.Filepath), 0755); err != nil {
			return EditDiff{}, err
		}
		return EditDiff{Forward: edit, Backward: NewDeleteDirectory(edit.Filepath)}, nil

	case EditDeleteDirectory:
		abs := l.abs(edit.Filepath)
		restore, err := l.snapshotDir(abs, edit.Filepath)
		if err != nil {
			return EditDiff{}, err
		}
		if err := os.RemoveAll(abs); err != nil {
			return EditDiff{}, err
		}
		return EditDiff{Forward: edit, Backward: restore}, nil
	}

	return EditDiff{}, fmt.Errorf("unsupported edit kind %q", edit.Kind)
}

func (l *LocalIDE) readExisting(abs string) (string, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *LocalIDE) write(abs, contents string) error {
	// record first so the watcher sees our own write as already known
	l.track(abs, contents)
	if err := os.WriteFile(abs, []byte(contents), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", abs, err)
	}
	return nil
}

// snapshotDir builds the edit that recreates a directory tree.
func (l *LocalIDE) snapshotDir(abs, rel string) (FileSystemEdit, error) {
	edits := []FileSystemEdit{NewAddDirectory(rel)}
	err := filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == abs {
			return nil
		}
		sub, relErr := filepath.Rel(abs, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(rel, sub)
		if d.IsDir() {
			edits = append(edits, NewAddDirectory(target))
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		edits = append(edits, NewAddFile(target, string(data)))
		return nil
	})
	if err != nil {
		return FileSystemEdit{}, fmt.Errorf("failed to snapshot %s: %w", abs, err)
	}
	return NewSequence(edits...), nil
}

// GetOpenFiles returns the files marked open, sorted.
func (l *LocalIDE) GetOpenFiles(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	files := make([]string, 0, len(l.open))
	for path := range l.open {
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// GetVisibleFiles is the same as GetOpenFiles for a headless editor.
func (l *LocalIDE) GetVisibleFiles(ctx context.Context) ([]string, error) {
	return l.GetOpenFiles(ctx)
}

// SetHighlightedCode replaces the current selection.
func (l *LocalIDE) SetHighlightedCode(ranges []RangeInFile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.highlighted = append([]RangeInFile(nil), ranges...)
}

// GetHighlightedCode returns the current selection.
func (l *LocalIDE) GetHighlightedCode(context.Context) ([]RangeInFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RangeInFile(nil), l.highlighted...), nil
}

// RunCommand runs command through the shell in the workspace directory.
// A non-zero exit yields the output together with a *CommandError.
func (l *LocalIDE) RunCommand(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = l.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), &CommandError{Command: command, ExitCode: exitErr.ExitCode(), Output: string(out)}
		}
		return string(out), fmt.Errorf("failed to run %q: %w", command, err)
	}
	return string(out), nil
}

// SetFileOpen marks a file open or closed.
func (l *LocalIDE) SetFileOpen(_ context.Context, path string, open bool) error {
	abs := l.abs(path)
	l.mu.Lock()
	if open {
		l.open[abs] = true
	} else {
		delete(l.open, abs)
	}
	l.mu.Unlock()

	if open {
		if data, err := os.ReadFile(abs); err == nil {
			l.track(abs, string(data))
		}
	}
	return nil
}

// SaveFile is a no-op: LocalIDE writes through on every edit.
func (l *LocalIDE) SaveFile(context.Context, string) error {
	return nil
}

// GetUserSecret reads the secret from the environment.
func (l *LocalIDE) GetUserSecret(_ context.Context, key string) (string, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %s is not set", key)
	}
	return value, nil
}
