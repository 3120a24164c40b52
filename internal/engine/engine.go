// Package engine implements the sync cycle: list the remote namespace, diff
// it against the durable state record, fetch what changed through a bounded
// worker pool, prune stale state, and wait for the next tick.
//
// One controller drives sequential cycles; cycles never overlap. A bounded
// pool of workers is only active during the fetch phase. Cancellation is
// observed before each cycle and during waits; in-flight fetches are allowed
// to finish so no extra partial temp files are left behind.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/nicexxd/auto-uploader/internal/config"
	"github.com/nicexxd/auto-uploader/internal/logger"
	"github.com/nicexxd/auto-uploader/internal/remote"
	"github.com/nicexxd/auto-uploader/internal/state"
)

// listingBackoff caps the wait after a failed listing so a flaky remote
// does not stall long poll intervals, and a short interval is not hammered.
const listingBackoff = 30 * time.Second

// Options configures New. Remote, State and Logger are required; FS and
// Clock default to the real filesystem and the real clock.
type Options struct {
	Remote remote.Store
	State  *state.Store
	Logger *logger.Logger
	FS     afero.Fs
	Clock  clockwork.Clock
}

// Engine mirrors a remote namespace onto the local destination root.
type Engine struct {
	remote      remote.Store
	state       *state.Store
	fs          afero.Fs
	clock       clockwork.Clock
	log         *logger.Logger
	dest        string
	prefix      string
	workers     int
	interval    time.Duration
	deleteAfter bool

	mu    sync.Mutex
	stats Stats
}

// Stats is a snapshot of the engine's progress, served by the status
// endpoint.
type Stats struct {
	Cycles    uint64    `json:"cycles"`
	LastCycle time.Time `json:"last_cycle,omitempty"`
	Listed    int       `json:"listed"`
	Fetched   int       `json:"fetched"`
	Failed    int       `json:"failed"`
	Pruned    int       `json:"pruned"`
	Tracked   int       `json:"tracked"`
	LastError string    `json:"last_error,omitempty"`
}

// Report summarizes a single cycle.
type Report struct {
	Listed  int
	Fetched int
	Skipped int
	Failed  int
	Pruned  int
}

// New creates an Engine from the agent config and its collaborators.
func New(cfg *config.Config, opts Options) *Engine {
	fs := opts.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	return &Engine{
		remote:      opts.Remote,
		state:       opts.State,
		fs:          fs,
		clock:       clock,
		log:         log,
		dest:        cfg.Destination,
		prefix:      cfg.Prefix,
		workers:     cfg.Workers,
		interval:    cfg.PollInterval,
		deleteAfter: cfg.DeleteAfterDownload,
	}
}

// Run drives cycles until ctx is cancelled, then returns nil. Listing
// failures back off and retry; nothing inside a cycle terminates the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.log.With().
		Str("dest", e.dest).
		Str("prefix", e.prefix).
		Int("workers", e.workers).
		Logger().
		Infof("starting poll loop, interval %s", e.interval)

	for {
		if ctx.Err() != nil {
			e.log.Info("shutting down")
			return nil
		}

		wait := e.interval
		if _, err := e.RunOnce(ctx); err != nil {
			e.log.Errorf("cycle failed: %v", err)
			if wait > listingBackoff {
				wait = listingBackoff
			}
		}

		// Interruptible inter-cycle wait.
		select {
		case <-ctx.Done():
			e.log.Info("shutting down")
			return nil
		case <-e.clock.After(wait):
		}
	}
}

// RunOnce executes one full cycle: list, diff, fetch, prune, persist.
// A listing failure aborts the cycle before any fetch; fetch failures are
// item-scoped and reflected in the report, not in the returned error.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	listing, err := e.remote.List(ctx, e.prefix)
	if err != nil {
		e.recordError(err)
		return Report{}, err
	}

	work, live := plan(listing, e.state)

	var rep Report
	rep.Listed = len(listing)

	if len(work) > 0 {
		e.log.Infof("found %d new/updated object(s)", len(work))
		rep.Fetched, rep.Skipped, rep.Failed = e.fetchAll(ctx, work)
	} else {
		e.log.Debug("no new objects")
	}

	rep.Pruned = e.state.Prune(live)
	if err := e.state.Persist(); err != nil {
		e.log.Warnf("state persist failed: %v", err)
	}

	e.recordCycle(rep)
	return rep, nil
}

// Stats returns a snapshot of the engine's progress.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Tracked = e.state.Len()
	return s
}

func (e *Engine) recordCycle(rep Report) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Cycles++
	e.stats.LastCycle = e.clock.Now()
	e.stats.Listed = rep.Listed
	e.stats.Fetched = rep.Fetched
	e.stats.Failed = rep.Failed
	e.stats.Pruned = rep.Pruned
	e.stats.LastError = ""
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.LastError = err.Error()
}
