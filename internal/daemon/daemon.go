// Package daemon implements the long-lived forward daemon: it watches the
// config store for rule-set changes and reconciles the forwarding layer
// without re-touching tunnel interfaces. Full tunnel re-applies happen
// only on startup and, optionally, on a configured schedule. The daemon
// holds no state that is not reconstructable from the store and the
// proxy's live configuration, so its supervisor can restart it at will.
package daemon

import (
	"context"
	"errors"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/vortexl2/vortexl2/internal/reconcile"
)

// Applier runs reconciliation passes. Implemented by *reconcile.Engine.
type Applier interface {
	Apply(ctx context.Context, opts reconcile.ApplyOptions) (*reconcile.Report, error)
}

// Options tune the daemon's timing. Zero values take the defaults.
type Options struct {
	// PollInterval is the store poll period, the fallback when filesystem
	// notifications are unavailable (default 10s).
	PollInterval time.Duration

	// Quiet is the debounce window: reconciliation fires after this much
	// silence following a change burst (default 500ms).
	Quiet time.Duration

	// MaxWait bounds the debounce: a continuous burst of changes cannot
	// postpone reconciliation past this bound (default 5s).
	MaxWait time.Duration

	// ReapplySchedule is an optional cron expression for periodic full
	// tunnel re-applies.
	ReapplySchedule string
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.Quiet <= 0 {
		o.Quiet = 500 * time.Millisecond
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 5 * time.Second
	}
}

// Daemon watches watchDir (the store's tunnels directory) and triggers
// forwarding-layer reconciliation on change.
type Daemon struct {
	watchDir string
	applier  Applier
	opts     Options
	log      *slog.Logger

	// changes carries change signals from the watcher, the poller and the
	// cron schedule into the debounce loop.
	changes chan changeKind
}

type changeKind int

const (
	changeRules changeKind = iota // cheap path: forwards only
	changeFull                    // full pass including tunnel actions
)

// New creates a Daemon watching watchDir.
func New(watchDir string, applier Applier, opts Options, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	opts.defaults()
	return &Daemon{
		watchDir: watchDir,
		applier:  applier,
		opts:     opts,
		log:      logger.With("component", "daemon"),
		changes:  make(chan changeKind, 16),
	}
}

// Run blocks until ctx is cancelled. On start it re-derives all state with
// one full apply pass, then serves change events.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("forward daemon starting", "watch", d.watchDir,
		"poll", d.opts.PollInterval, "quiet", d.opts.Quiet, "max_wait", d.opts.MaxWait)

	// Startup reconciliation: the only state we trust is the store and the
	// proxy's live configuration.
	d.runPass(ctx, changeFull)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(d.watchDir); werr != nil {
			d.log.Warn("watching store directory failed, relying on polling", "error", werr)
		}
		defer watcher.Close()
	} else {
		d.log.Warn("fsnotify unavailable, relying on polling", "error", err)
		watcher = nil
	}

	var sched *cron.Cron
	if d.opts.ReapplySchedule != "" {
		sched = cron.New()
		if _, err := sched.AddFunc(d.opts.ReapplySchedule, func() {
			d.signal(changeFull)
		}); err != nil {
			return errors.New("invalid reapply schedule " + d.opts.ReapplySchedule + ": " + err.Error())
		}
		sched.Start()
		defer sched.Stop()
	}

	// All change sources (watcher, poller, cron, requeues) funnel into
	// d.changes so the debounce sees every signal of a burst.
	go d.watchLoop(ctx, watcher)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("forward daemon stopping")
			return ctx.Err()
		case kind := <-d.changes:
			d.debounce(ctx, kind)
		}
	}
}

// watchLoop translates filesystem notifications and poll-detected store
// changes into change signals.
func (d *Daemon) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	poll := time.NewTicker(d.opts.PollInterval)
	defer poll.Stop()
	lastSeen := d.fingerprint()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if relevant(ev) {
				d.log.Debug("store change notified", "event", ev.String())
				lastSeen = d.fingerprint()
				d.signal(changeRules)
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			d.log.Warn("store watcher error", "error", err)

		case <-poll.C:
			if fp := d.fingerprint(); fp != lastSeen {
				d.log.Debug("store change detected by poll")
				lastSeen = fp
				d.signal(changeRules)
			}
		}
	}
}

// signal queues a change without blocking. A full channel means a pass is
// already pending, which covers this change too.
func (d *Daemon) signal(kind changeKind) {
	select {
	case d.changes <- kind:
	default:
	}
}

// debounce coalesces a burst of change signals into a single
// reconciliation: the quiet timer restarts on every new signal, but the
// max-wait bound guarantees the burst cannot starve reconciliation.
func (d *Daemon) debounce(ctx context.Context, kind changeKind) {
	quiet := time.NewTimer(d.opts.Quiet)
	defer quiet.Stop()
	bound := time.NewTimer(d.opts.MaxWait)
	defer bound.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case k := <-d.changes:
			if k == changeFull {
				kind = changeFull
			}
			if !quiet.Stop() {
				<-quiet.C
			}
			quiet.Reset(d.opts.Quiet)
		case <-quiet.C:
			d.runPass(ctx, kind)
			return
		case <-bound.C:
			d.log.Debug("debounce max wait reached")
			d.runPass(ctx, kind)
			return
		}
	}
}

func (d *Daemon) runPass(ctx context.Context, kind changeKind) {
	opts := reconcile.ApplyOptions{ForwardsOnly: kind == changeRules}
	report, err := d.applier.Apply(ctx, opts)
	switch {
	case errors.Is(err, reconcile.ErrApplyInProgress):
		// A CLI apply is running; its result covers this change. Queue a
		// follow-up so the change is not lost.
		d.log.Info("apply already in progress, re-queueing")
		d.signal(kind)
	case err != nil:
		d.log.Error("reconciliation pass failed", "error", err)
	case report.Failed():
		d.log.Warn("reconciliation pass completed with failures",
			"reload_error", report.Reload.Err)
	default:
		d.log.Info("reconciliation pass ok",
			"rules", len(report.Rules), "reloaded", report.Reload.Applied)
	}
}

// fingerprint hashes the watch directory listing (names, sizes, mtimes) so
// the poll path can detect changes without parsing records.
func (d *Daemon) fingerprint() uint64 {
	h := fnv.New64a()
	filepath.WalkDir(d.watchDir, func(path string, entry fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil || entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		h.Write([]byte(path))
		h.Write([]byte(info.ModTime().String()))
		h.Write([]byte{byte(info.Size()), byte(info.Size() >> 8)})
		return nil
	})
	return h.Sum64()
}

// relevant filters watcher noise: only record files matter, and the store's
// temp files are renamed into place.
func relevant(ev fsnotify.Event) bool {
	if filepath.Ext(ev.Name) != ".toml" {
		return false
	}
	return ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
