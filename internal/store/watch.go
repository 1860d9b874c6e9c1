package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/douhashi/nagare/internal/logger"
)

// Watch はストア文書の変更を監視し、読み直した内容をBroadcasterへ配信する
// ダッシュボードやエディタパネル向けの読み取り専用フォローに使う
// ctxのキャンセルで監視を終了する
func Watch(ctx context.Context, s *Store, b *Broadcaster, log logger.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// アトミックリネームで置き換わるため、ファイルではなくディレクトリを監視する
	dir := filepath.Dir(s.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch store directory: %w", err)
	}

	log.Debug("Watching issue store", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.Path() {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			doc, err := s.Load()
			if err != nil {
				log.Warn("Failed to reload issue store after change", "error", err.Error())
				continue
			}
			b.Publish(Event{Type: EventUpdated, Document: doc})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("File watcher error", "error", err.Error())
		}
	}
}
