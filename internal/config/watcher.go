package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadKind tells consumers which part of the on-disk state changed.
type ReloadKind string

const (
	ReloadConfig  ReloadKind = "config"
	ReloadProfile ReloadKind = "profile"
)

type ReloadEvent struct {
	Kind ReloadKind
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and to the profile directories.
type Watcher struct {
	homeDir     string
	profileDirs []string
	logger      *slog.Logger
	events      chan ReloadEvent
}

func NewWatcher(homeDir string, profileDirs []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:     homeDir,
		profileDirs: profileDirs,
		logger:      logger,
		events:      make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// config.yaml may be replaced atomically by editors, so watch the home
	// directory and filter by name.
	if err := fsw.Add(w.homeDir); err != nil {
		w.logger.Warn("config watcher: cannot watch home", "path", w.homeDir, "error", err)
	}
	profileDirs := make(map[string]struct{}, len(w.profileDirs))
	for _, dir := range w.profileDirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if st, err := os.Stat(abs); err != nil || !st.IsDir() {
			continue
		}
		if err := fsw.Add(abs); err != nil {
			w.logger.Warn("config watcher: cannot watch profiles", "path", abs, "error", err)
			continue
		}
		profileDirs[abs] = struct{}{}
	}
	configPath := ConfigPath(w.homeDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				var kind ReloadKind
				switch {
				case filepath.Clean(ev.Name) == filepath.Clean(configPath):
					kind = ReloadConfig
				default:
					if _, ok := profileDirs[filepath.Dir(ev.Name)]; !ok {
						continue
					}
					kind = ReloadProfile
				}
				select {
				case w.events <- ReloadEvent{Kind: kind, Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("watched file changed", "kind", kind, "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
