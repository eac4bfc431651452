package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 300 * time.Millisecond

// Watch reloads the rules file whenever it changes until ctx is done.
// Changes are debounced; a file that fails to load or compile leaves the
// previous rules active. The directory is watched so editors that replace
// the file by rename are picked up.
func (g *Gate) Watch(ctx context.Context) error {
	if g.rulesFile == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(g.rulesFile)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", g.rulesFile, err)
	}

	g.log.Info("policy watcher started", zap.String("path", g.rulesFile))
	go g.watchLoop(ctx, w)
	return nil
}

func (g *Gate) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()

	target := filepath.Clean(g.rulesFile)
	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			g.log.Info("policy watcher stopped")
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			g.reload()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			g.log.Error("policy watcher error", zap.Error(err))
		}
	}
}

func (g *Gate) reload() {
	rules, err := loadRuleFile(g.rulesFile)
	if err == nil {
		err = g.SetRules(rules)
	}
	if err != nil {
		g.log.Error("policy reload failed, keeping previous rules", zap.Error(err))
		return
	}
	g.log.Info("policy rules reloaded", zap.Int("rules", len(rules)))
}
