package ml

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ModelWatcher reloads the scorer's model when the model file changes on
// disk. Retraining happens out of process; the watcher is how a freshly
// exported model goes live without a restart.
type ModelWatcher struct {
	scorer  *Scorer
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.SugaredLogger
}

// NewModelWatcher watches the directory containing path for writes to the
// model file. Watching the directory instead of the file survives the
// rename-over-replace pattern most exporters use.
func NewModelWatcher(scorer *Scorer, path string, logger *zap.SugaredLogger) (*ModelWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	return &ModelWatcher{scorer: scorer, path: path, watcher: w, logger: logger}, nil
}

// Run processes file events until ctx is cancelled. Reloads are debounced so
// a writer emitting multiple events per save triggers one reload.
func (mw *ModelWatcher) Run(ctx context.Context) {
	defer mw.watcher.Close()

	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(mw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(500 * time.Millisecond)

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			mw.logger.Warnw("Model watcher error", "error", err)

		case <-pending:
			pending = nil
			if err := mw.scorer.LoadModelFile(mw.path); err != nil {
				mw.logger.Errorw("Model reload failed, keeping previous model",
					"path", mw.path, "error", err)
			}
		}
	}
}
