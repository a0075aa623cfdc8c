package blocklist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"cleannet/pkg/config"
	"cleannet/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

const (
	// watchDebounce collapses the events produced by a single file write.
	watchDebounce = 500 * time.Millisecond
	updateTimeout = 5 * time.Minute
)

// MetricsRecorder receives block set size changes.
type MetricsRecorder interface {
	AddBlocklistSize(ctx context.Context, list string, delta int64)
}

// ListStatus describes one block set for the dashboard.
type ListStatus struct {
	Name      List      `json:"name"`
	Source    string    `json:"source"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Manager loads the ad and phishing lists into a Store and keeps them fresh
type Manager struct {
	cfg     config.BlocklistConfig
	store   *Store
	loader  *Loader
	logger  *logging.Logger
	metrics MetricsRecorder

	// Serialises loads so two reloads never interleave their swaps.
	reloadMu sync.Mutex

	errMu      sync.RWMutex
	lastErrors map[List]string

	// Lifecycle management
	updateTicker *time.Ticker
	watcher      *fsnotify.Watcher
	stopChan     chan struct{}
	wg           sync.WaitGroup
	started      atomic.Bool
}

// NewManager creates a new blocklist manager with a custom HTTP client.
// The HTTP client should use the application's configured DNS resolver (pkg/resolver)
// so that downloads never loop back through this server.
func NewManager(cfg config.BlocklistConfig, store *Store, logger *logging.Logger, metrics MetricsRecorder, httpClient *http.Client) *Manager {
	if store == nil {
		store = NewStore()
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		loader:     NewLoader(logger, httpClient),
		logger:     logger,
		metrics:    metrics,
		lastErrors: make(map[List]string),
		stopChan:   make(chan struct{}),
	}
}

// Store returns the store the manager writes to.
func (m *Manager) Store() *Store {
	return m.store
}

// Start performs the initial load and begins background refreshes
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Warn("Blocklist manager already started")
		return nil
	}

	m.stopChan = make(chan struct{})

	m.logger.Info("Starting blocklist manager",
		"ads_source", m.cfg.AdsSource,
		"phishing_source", m.cfg.PhishingSource,
		"auto_update", m.cfg.AutoUpdate,
		"interval", m.cfg.UpdateInterval,
		"watch_files", m.cfg.WatchFiles)

	// Load failures are logged per list; the service keeps running with
	// whatever loaded.
	_ = m.Reload(ctx)

	if m.cfg.AutoUpdate && m.cfg.UpdateInterval > 0 {
		m.updateTicker = time.NewTicker(m.cfg.UpdateInterval)
		m.wg.Add(1)
		go m.updateLoop(ctx)
	}

	if m.cfg.WatchFiles {
		if err := m.startWatcher(ctx); err != nil {
			m.logger.Error("Failed to watch block list files", "error", err)
		}
	}

	return nil
}

// Stop gracefully stops the blocklist manager
func (m *Manager) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}

	m.logger.Info("Stopping blocklist manager")

	close(m.stopChan)

	if m.updateTicker != nil {
		m.updateTicker.Stop()
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
	}

	m.wg.Wait()

	m.logger.Info("Blocklist manager stopped")
}

// Reload loads both lists. A list that fails to load keeps its previous
// contents; the returned error joins the failures.
func (m *Manager) Reload(ctx context.Context) error {
	return errors.Join(
		m.reload(ctx, ListAds),
		m.reload(ctx, ListPhishing),
	)
}

func (m *Manager) source(list List) string {
	if list == ListPhishing {
		return m.cfg.PhishingSource
	}
	return m.cfg.AdsSource
}

func (m *Manager) reload(ctx context.Context, list List) error {
	source := m.source(list)
	if source == "" {
		m.logger.Debug("No block list configured", "list", list)
		return nil
	}

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	startTime := time.Now()

	var (
		set *Set
		err error
	)
	if list == ListPhishing {
		set, err = m.loader.LoadPhishing(ctx, source, m.cfg.PhishingField)
	} else {
		set, err = m.loader.LoadAds(ctx, source)
	}
	if err != nil {
		m.setLastError(list, err)
		m.logger.Error("Failed to load block list, keeping previous",
			"list", list,
			"source", source,
			"kept", m.store.Get(list).Len(),
			"error", err)
		return fmt.Errorf("load %s list: %w", list, err)
	}

	prev := m.store.Replace(list, set)
	m.setLastError(list, nil)

	delta := set.Len() - prev.Len()
	if m.metrics != nil {
		m.metrics.AddBlocklistSize(ctx, string(list), int64(delta))
	}

	m.logger.Info("Block list loaded",
		"list", list,
		"source", source,
		"domains", set.Len(),
		"delta", delta,
		"duration", time.Since(startTime))

	return nil
}

func (m *Manager) setLastError(list List, err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if err == nil {
		delete(m.lastErrors, list)
		return
	}
	m.lastErrors[list] = err.Error()
}

// Status returns size, source and freshness of both lists.
func (m *Manager) Status() []ListStatus {
	m.errMu.RLock()
	defer m.errMu.RUnlock()

	out := make([]ListStatus, 0, 2)
	for _, list := range []List{ListAds, ListPhishing} {
		out = append(out, ListStatus{
			Name:      list,
			Source:    m.source(list),
			Size:      m.store.Get(list).Len(),
			UpdatedAt: m.store.UpdatedAt(list),
			LastError: m.lastErrors[list],
		})
	}
	return out
}

// updateLoop runs the automatic update loop
func (m *Manager) updateLoop(ctx context.Context) {
	defer m.wg.Done()

	m.logger.Info("Blocklist auto-update loop started", "interval", m.cfg.UpdateInterval)

	for {
		select {
		case <-m.stopChan:
			m.logger.Info("Blocklist auto-update loop stopped")
			return

		case <-ctx.Done():
			return

		case <-m.updateTicker.C:
			m.logger.Debug("Running scheduled blocklist update")

			updateCtx, cancel := context.WithTimeout(ctx, updateTimeout)
			_ = m.Reload(updateCtx)
			cancel()
		}
	}
}

// startWatcher watches the directories of local sources and reloads the
// matching list when its file changes.
func (m *Manager) startWatcher(ctx context.Context) error {
	files := make(map[string]List)
	for _, list := range []List{ListAds, ListPhishing} {
		src := m.source(list)
		if src == "" || isRemote(src) {
			continue
		}
		abs, err := filepath.Abs(src)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", src, err)
		}
		files[abs] = list
	}
	if len(files) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dirs := make(map[string]struct{})
	for path := range files {
		dir := filepath.Dir(path)
		if _, seen := dirs[dir]; seen {
			continue
		}
		dirs[dir] = struct{}{}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchLoop(ctx, files)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, files map[string]List) {
	defer m.wg.Done()

	timer := time.NewTimer(0)
	timer.Stop()
	pending := make(map[List]struct{})

	for {
		select {
		case <-m.stopChan:
			timer.Stop()
			return

		case <-ctx.Done():
			timer.Stop()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			list, tracked := files[filepath.Clean(event.Name)]
			if !tracked || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending[list] = struct{}{}
			timer.Reset(watchDebounce)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Block list watcher error", "error", err)

		case <-timer.C:
			for list := range pending {
				m.logger.Info("Block list file changed", "list", list)
				_ = m.reload(ctx, list)
			}
			clear(pending)
		}
	}
}
