package models

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk layout. JSON files parse as well since the
// decoder accepts any YAML 1.2 document.
type catalogFile struct {
	Providers []ProviderInfo `yaml:"providers"`
}

// FileCatalogConfig holds configuration for a file-backed catalog.
type FileCatalogConfig struct {
	Path string
	// Base provides providers that the file extends or overrides. Nil
	// starts from an empty catalog.
	Base Catalog
	// Watch reloads the file when it changes.
	Watch              bool
	StabilityThreshold time.Duration
	Logger             zerolog.Logger
	// OnReload is called after every successful reload.
	OnReload func()
}

// FileCatalog is a Catalog loaded from a YAML or JSON file that can follow
// changes to the file. A failed reload keeps the previous contents.
type FileCatalog struct {
	*StaticCatalog

	path      string
	base      Catalog
	threshold time.Duration
	logger    zerolog.Logger
	onReload  func()

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	timerMu  sync.Mutex
	timer    *time.Timer
}

// NewFileCatalog loads cfg.Path and, if requested, starts watching it.
func NewFileCatalog(cfg FileCatalogConfig) (*FileCatalog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("catalog path cannot be empty")
	}
	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}

	fc := &FileCatalog{
		StaticCatalog: NewStaticCatalog(),
		path:          filepath.Clean(cfg.Path),
		base:          cfg.Base,
		threshold:     cfg.StabilityThreshold,
		logger:        cfg.Logger.With().Str("component", "catalog").Logger(),
		onReload:      cfg.OnReload,
		done:          make(chan struct{}),
	}

	if err := fc.Reload(); err != nil {
		return nil, err
	}

	if cfg.Watch {
		if err := fc.watch(); err != nil {
			return nil, err
		}
	}

	return fc, nil
}

// Reload re-reads the catalog file.
func (fc *FileCatalog) Reload() error {
	data, err := os.ReadFile(fc.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog %s: %w", fc.path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse catalog %s: %w", fc.path, err)
	}

	providers := make(map[string]ProviderInfo)
	if fc.base != nil {
		for _, p := range fc.base.Providers() {
			providers[p.ID] = p
		}
	}
	for i, p := range file.Providers {
		if p.ID == "" {
			return fmt.Errorf("catalog %s: provider %d has no id", fc.path, i)
		}
		switch p.Kind {
		case KindAnthropic, KindOpenAICompatible, KindGemini:
		case "":
			p.Kind = KindOpenAICompatible
		default:
			return fmt.Errorf("catalog %s: provider %s has unknown kind %q", fc.path, p.ID, p.Kind)
		}
		providers[p.ID] = normalizeProvider(p)
	}

	fc.replace(providers)
	fc.logger.Debug().
		Str("path", fc.path).
		Int("providers", len(providers)).
		Msg("Catalog loaded")

	return nil
}

func (fc *FileCatalog) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(fc.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch catalog: %w", err)
	}
	fc.watcher = watcher

	go fc.eventLoop()

	fc.logger.Info().Str("path", fc.path).Msg("Catalog watcher started")
	return nil
}

func (fc *FileCatalog) eventLoop() {
	for {
		select {
		case event, ok := <-fc.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fc.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fc.debounce()

		case err, ok := <-fc.watcher.Errors:
			if !ok {
				return
			}
			fc.logger.Error().Err(err).Msg("Catalog watcher error")

		case <-fc.done:
			return
		}
	}
}

func (fc *FileCatalog) debounce() {
	fc.timerMu.Lock()
	defer fc.timerMu.Unlock()

	if fc.timer != nil {
		fc.timer.Stop()
	}
	fc.timer = time.AfterFunc(fc.threshold, func() {
		select {
		case <-fc.done:
			return
		default:
		}

		if err := fc.Reload(); err != nil {
			fc.logger.Warn().Err(err).Msg("Catalog reload failed, keeping previous catalog")
			return
		}
		if fc.onReload != nil {
			fc.onReload()
		}
	})
}

// Close stops watching the file.
func (fc *FileCatalog) Close() error {
	var err error
	fc.stopOnce.Do(func() {
		close(fc.done)

		fc.timerMu.Lock()
		if fc.timer != nil {
			fc.timer.Stop()
		}
		fc.timerMu.Unlock()

		if fc.watcher != nil {
			err = fc.watcher.Close()
		}
	})
	return err
}
