package config

import (
	"fmt"

	"github.com/civicsignal/bulwark/internal/ha"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RuleWatcher hot-reloads the failover rules file. Rule cooldown state
// survives a reload; a file that fails to parse leaves the previous rules in
// place.
type RuleWatcher struct {
	path     string
	onReload func([]ha.Rule) error
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	done     chan struct{}
}

// NewRuleWatcher creates a watcher on the rules file. onReload receives the
// freshly parsed rule set.
func NewRuleWatcher(path string, onReload func([]ha.Rule) error, logger *zap.Logger) (*RuleWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rules watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch rules file: %w", err)
	}

	w := &RuleWatcher{
		path:     path,
		onReload: onReload,
		watcher:  fw,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *RuleWatcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			rules, err := LoadRules(w.path)
			if err != nil {
				w.logger.Error("rules reload failed, keeping previous rules",
					zap.String("path", w.path), zap.Error(err))
				continue
			}
			if err := w.onReload(rules); err != nil {
				w.logger.Error("rules reload rejected", zap.Error(err))
				continue
			}
			w.logger.Info("failover rules reloaded",
				zap.String("path", w.path), zap.Int("rules", len(rules)))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (w *RuleWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
