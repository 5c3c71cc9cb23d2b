package medsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RefresherOptions bounds fallback reloads.
type RefresherOptions struct {
	// Debounce is the fixed window in which triggers for one table coalesce.
	Debounce time.Duration
	// Limit caps the number of rows fetched per table.
	Limit int
	// WindowDays bounds fetched logs to the most recent days.
	WindowDays int
}

// Refresher performs debounced, bounded full reloads of individual tables
// when incremental patching cannot be trusted.
type Refresher struct {
	mirror  *Mirror
	remote  Remote
	owner   string
	pending func(table Table, id string) bool
	opts    RefresherOptions
	log     *logrus.Entry
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	timers      map[Table]*time.Timer
	sources     map[Table][]string
	running     map[Table]string
	closed      bool
	lastRefresh time.Time
	wg          sync.WaitGroup
}

// NewRefresher creates a refresher. pending reports whether a row has an
// unsettled local write and may be nil.
func NewRefresher(mirror *Mirror, remote Remote, ownerID string, pending func(Table, string) bool, opts RefresherOptions, logger *logrus.Entry) *Refresher {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if pending == nil {
		pending = func(Table, string) bool { return false }
	}
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 300
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 30
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		mirror:  mirror,
		remote:  remote,
		owner:   ownerID,
		pending: pending,
		opts:    opts,
		log:     logger.WithField("component", "refresher"),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[Table]*time.Timer),
		sources: make(map[Table][]string),
		running: make(map[Table]string),
	}
}

// Trigger schedules a refresh of table. Triggers arriving before the
// window elapses join the scheduled refresh; they do not extend it.
func (r *Refresher) Trigger(table Table, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.sources[table] = append(r.sources[table], source)
	if _, scheduled := r.timers[table]; scheduled {
		r.log.WithFields(logrus.Fields{"table": table, "source": source}).Debug("refresh trigger coalesced")
		return
	}

	r.wg.Add(1)
	r.timers[table] = time.AfterFunc(r.opts.Debounce, func() { r.fire(table) })
}

func (r *Refresher) fire(table Table) {
	defer r.wg.Done()

	r.mu.Lock()
	sources := r.sources[table]
	delete(r.sources, table)
	delete(r.timers, table)
	r.mu.Unlock()

	err := r.Refresh(r.ctx, table, strings.Join(dedupe(sources), ","))
	if err != nil && !errors.Is(err, ErrRefreshInFlight) && !errors.Is(err, ErrRefresherClosed) {
		r.log.WithError(err).WithField("table", table).Warn("scheduled refresh failed")
	}
}

// Refresh reloads table now. A refresh already running for the same table
// causes this call to be dropped with ErrRefreshInFlight.
func (r *Refresher) Refresh(ctx context.Context, table Table, source string) error {
	if err := r.acquire(table, source); err != nil {
		return err
	}
	defer r.release(table)

	var b batch
	if err := r.fetch(ctx, table, &b); err != nil {
		return err
	}
	return r.apply(table, &b)
}

// ForceSync reloads every table, fetching them concurrently.
func (r *Refresher) ForceSync(ctx context.Context) error {
	var acquired []Table
	for _, table := range Tables() {
		err := r.acquire(table, TriggerForceSync)
		if errors.Is(err, ErrRefresherClosed) {
			return err
		}
		if err == nil {
			acquired = append(acquired, table)
		}
	}
	if len(acquired) == 0 {
		return ErrRefreshInFlight
	}
	defer func() {
		for _, table := range acquired {
			r.release(table)
		}
	}()

	var b batch
	g, gctx := errgroup.WithContext(ctx)
	for _, table := range acquired {
		g.Go(func() error { return r.fetch(gctx, table, &b) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var errs []error
	for _, table := range acquired {
		if err := r.apply(table, &b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LastRefresh returns when a table was last replaced by a refresh.
func (r *Refresher) LastRefresh() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefresh
}

// Close cancels scheduled refreshes and waits for running ones. A pass
// that finishes fetching after Close leaves the mirror untouched.
func (r *Refresher) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for table, t := range r.timers {
		if t.Stop() {
			r.wg.Done()
		}
		delete(r.timers, table)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Refresher) acquire(table Table, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRefresherClosed
	}
	if running, busy := r.running[table]; busy {
		r.log.WithFields(logrus.Fields{
			"table":   table,
			"source":  source,
			"running": running,
		}).Warn("refresh dropped: another pass is in flight")
		return ErrRefreshInFlight
	}
	r.running[table] = source
	r.wg.Add(1)
	return nil
}

func (r *Refresher) release(table Table) {
	r.mu.Lock()
	delete(r.running, table)
	r.mu.Unlock()
	r.wg.Done()
}

func (r *Refresher) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// batch holds one fetch per table; each field is written by one goroutine.
type batch struct {
	meds     []Medication
	logs     []MedicationLog
	settings *UserSettings
}

func (r *Refresher) fetch(ctx context.Context, table Table, b *batch) error {
	if r.remote == nil {
		return ErrOffline
	}

	var err error
	switch table {
	case TableMedications:
		b.meds, err = r.remote.SelectMedications(ctx, Query{OwnerID: r.owner, Limit: r.opts.Limit})
	case TableLogs:
		b.logs, err = r.remote.SelectLogs(ctx, Query{
			OwnerID: r.owner,
			Since:   r.now().AddDate(0, 0, -r.opts.WindowDays),
			Limit:   r.opts.Limit,
		})
	case TableSettings:
		b.settings, err = r.remote.GetSettings(ctx, r.owner)
	default:
		return fmt.Errorf("refresh: unknown table %q", table)
	}
	if err != nil {
		return fmt.Errorf("refresh %s: %w", table, err)
	}
	return nil
}

func (r *Refresher) apply(table Table, b *batch) error {
	if r.isClosed() {
		return ErrRefresherClosed
	}
	opts := ReplaceOptions{Origin: OriginRefresh}
	var d Decision

	switch table {
	case TableMedications:
		keep := func(m Medication) bool { return r.pending(TableMedications, m.ID) }
		merged := mergeBatch(r.mirror.Medications(), b.meds, keep, nil)
		d = r.mirror.ReplaceMedications(merged, opts)
	case TableLogs:
		keep := func(l MedicationLog) bool { return r.pending(TableLogs, l.ID) }
		conflict := func(local, remote MedicationLog) MedicationLog {
			r.log.WithFields(logrus.Fields{"id": local.ID, "mutation_id": local.MutationID}).
				Warn("pending log lost to newer remote row")
			return remote.withSyncState(SyncStateConflict)
		}
		merged := mergeBatch(r.mirror.Logs(), b.logs, keep, conflict)
		d = r.mirror.ReplaceLogs(merged, opts)
	case TableSettings:
		var held, fetched []UserSettings
		if s := r.mirror.Settings(); s != nil {
			held = append(held, *s)
		}
		if b.settings != nil {
			fetched = append(fetched, *b.settings)
		}
		keep := func(s UserSettings) bool { return r.pending(TableSettings, s.OwnerID) }
		merged := mergeBatch(held, fetched, keep, nil)
		var next *UserSettings
		if len(merged) > 0 {
			next = &merged[0]
		}
		d = r.mirror.ReplaceSettings(next, opts)
	}

	if !d.Accepted {
		return fmt.Errorf("refresh %s: %w", table, d.Err())
	}

	r.mu.Lock()
	r.lastRefresh = r.now()
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"table":    table,
		"previous": d.Diagnostic.Previous,
		"current":  d.Diagnostic.Current,
	}).Info("table refreshed")
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
