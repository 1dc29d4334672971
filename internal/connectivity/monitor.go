// Package connectivity decides whether the device is online and starts or
// cancels queue drains when that changes.
package connectivity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"designsync/internal/dsync"

	"golang.org/x/sync/errgroup"
)

// Syncer is the part of the sync engine the monitor drives.
type Syncer interface {
	Sync(ctx context.Context) (*dsync.DrainResult, error)
	Cancel()
}

// Source reports connectivity observations until ctx is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, report func(online bool)) error
}

// SourceManual is the source name used by Set.
const SourceManual = "manual"

// Monitor tracks connectivity as reported by its sources. The device is online
// only while every source that has reported says so. Going online starts a
// drain; going offline cancels the drain in progress.
type Monitor struct {
	logger dsync.Logger

	mu      sync.Mutex
	syncer  Syncer
	reports map[string]bool
	initial bool
	base    context.Context
	wg      sync.WaitGroup
}

// NewMonitor creates a Monitor that reports initial until a source says otherwise.
func NewMonitor(initial bool, logger dsync.Logger) *Monitor {
	if logger == nil {
		logger = dsync.NewNopLogger()
	}
	return &Monitor{
		logger:  logger,
		reports: make(map[string]bool),
		initial: initial,
		base:    context.Background(),
	}
}

// Attach sets the engine driven by connectivity transitions.
func (m *Monitor) Attach(s Syncer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncer = s
}

// Online implements dsync.Connectivity.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onlineLocked()
}

func (m *Monitor) onlineLocked() bool {
	if len(m.reports) == 0 {
		return m.initial
	}
	for _, ok := range m.reports {
		if !ok {
			return false
		}
	}
	return true
}

// Set records a manual connectivity override.
func (m *Monitor) Set(online bool) {
	m.Report(SourceManual, online)
}

// Report records an observation from source and reacts to the resulting transition.
func (m *Monitor) Report(source string, online bool) {
	m.mu.Lock()
	before := m.onlineLocked()
	m.reports[source] = online
	after := m.onlineLocked()
	syncer := m.syncer
	m.mu.Unlock()

	if before == after {
		return
	}
	m.logger.Info("connectivity changed", "online", after, "source", source)
	if syncer == nil {
		return
	}
	if after {
		m.Trigger("online")
	} else {
		syncer.Cancel()
	}
}

// Trigger starts a drain in the background if the device is online.
func (m *Monitor) Trigger(reason string) {
	m.mu.Lock()
	syncer := m.syncer
	ctx := m.base
	online := m.onlineLocked()
	m.mu.Unlock()

	if syncer == nil || !online {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res, err := syncer.Sync(ctx)
		if errors.Is(err, dsync.ErrReauthenticate) {
			m.logger.Error("background sync needs re-authentication", "reason", reason)
			return
		}
		if err != nil {
			m.logger.Error("background sync failed", "reason", reason, "error", err)
			return
		}
		if res.Outcome != dsync.OutcomeSkipped {
			m.logger.Info("background sync finished",
				"reason", reason,
				"outcome", string(res.Outcome),
				"processed", res.Processed,
				"failed", res.Failed,
				"conflicts", res.Conflicts,
				"pending", res.Pending,
			)
		}
	}()
}

// Wait blocks until every background drain started by the monitor has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Sources returns the names of the sources that have reported, with their last
// observation.
func (m *Monitor) Sources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.reports))
	for name, ok := range m.reports {
		state := "offline"
		if ok {
			state = "online"
		}
		out = append(out, name+"="+state)
	}
	sort.Strings(out)
	return out
}

// Run runs every source until ctx is cancelled. It drains once at start when
// online. When periodic is positive a drain is also triggered on that interval,
// standing in for a platform background-sync scheduler. Run cancels any drain in
// progress before returning.
func (m *Monitor) Run(ctx context.Context, periodic time.Duration, sources ...Source) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
	m.Trigger("start")

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			return src.Run(gctx, func(online bool) { m.Report(src.Name(), online) })
		})
	}
	if periodic > 0 {
		g.Go(func() error {
			t := time.NewTicker(periodic)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					m.Trigger("periodic")
				}
			}
		})
	}

	err := g.Wait()

	m.mu.Lock()
	syncer := m.syncer
	m.mu.Unlock()
	if syncer != nil {
		syncer.Cancel()
	}
	m.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var _ dsync.Connectivity = (*Monitor)(nil)
