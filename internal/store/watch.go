package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fileWatcher wakes Observe loops when another process writes to the
// database file or its WAL.
type fileWatcher struct {
	watcher *fsnotify.Watcher
	base    string
	wake    func()
	done    chan struct{}
	once    sync.Once
}

func newFileWatcher(dbPath string, wake func()) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: SQLite recreates the -wal and -shm files.
	if err := w.Add(filepath.Dir(dbPath)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(dbPath), err)
	}
	fw := &fileWatcher{
		watcher: w,
		base:    filepath.Base(dbPath),
		wake:    wake,
		done:    make(chan struct{}),
	}
	return fw, nil
}

func (fw *fileWatcher) run(s *SQLiteStore) {
	defer close(fw.done)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !fw.relevant(event) {
				continue
			}
			s.logger.Debug("database file changed", "path", event.Name, "op", event.Op.String())
			fw.wake()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("database watcher error", "error", err)
		}
	}
}

func (fw *fileWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	return name == fw.base || strings.HasPrefix(name, fw.base+"-wal")
}

func (fw *fileWatcher) close() error {
	var err error
	fw.once.Do(func() {
		err = fw.watcher.Close()
		<-fw.done
	})
	return err
}
