package medsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Origin tags why a mirror mutation happened.
type Origin string

const (
	OriginOptimistic Origin = "optimistic"
	OriginAck        Origin = "ack"
	OriginRollback   Origin = "rollback"
	OriginFeed       Origin = "feed"
	OriginRefresh    Origin = "refresh"
	OriginHydrate    Origin = "hydrate"
	OriginClear      Origin = "clear"
)

// Diagnostic is emitted for every mutating call on the mirror.
type Diagnostic struct {
	Table    Table     `json:"table"`
	Origin   Origin    `json:"origin"`
	Op       string    `json:"op"`
	ID       string    `json:"id,omitempty"`
	Previous int       `json:"previous"`
	Current  int       `json:"current"`
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Decision is the accept/reject outcome of a mirror mutation.
type Decision struct {
	Accepted   bool
	Reason     string
	Diagnostic Diagnostic
}

// Err returns ErrUnexplainedEmpty or ErrInvalidEntity for rejected
// decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	if d.Reason == reasonUnexplainedEmpty {
		return ErrUnexplainedEmpty
	}
	return fmt.Errorf("%w: %s", ErrInvalidEntity, d.Reason)
}

// ReplaceOptions tags a whole-table replace.
type ReplaceOptions struct {
	Origin Origin
	// IntentionalClear allows the replace to empty a non-empty table.
	// Only logout and user-confirmed delete-all set it.
	IntentionalClear bool
}

// Backing is the minimal keyed-table store the mirror writes through to.
type Backing interface {
	Get(table Table, id string) ([]byte, error)
	Put(table Table, id string, payload []byte) error
	Delete(table Table, id string) error
	Scan(table Table) (map[string][]byte, error)
}

const (
	maxDiagnostics         = 256
	reasonUnexplainedEmpty = "unexplained collapse to empty"
)

// Mirror is the client-local, UI-facing copy of every table plus the
// derived latest-log-per-medication index. All mutation goes through
// safeReplace.
type Mirror struct {
	mu        sync.RWMutex
	meds      map[string]Medication
	logs      map[string]MedicationLog
	logsByMed map[string]map[string]struct{}
	ordered   []string // log ids, newest taken_at first
	latest    map[string]MedicationLog
	settings  *UserSettings

	backing   Backing
	log       *logrus.Entry
	now       func() time.Time
	diags     []Diagnostic
	listeners []func(Diagnostic)
}

// NewMirror creates an empty mirror. backing may be nil for a purely
// in-memory mirror.
func NewMirror(backing Backing, logger *logrus.Entry) *Mirror {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Mirror{
		meds:      make(map[string]Medication),
		logs:      make(map[string]MedicationLog),
		logsByMed: make(map[string]map[string]struct{}),
		latest:    make(map[string]MedicationLog),
		backing:   backing,
		log:       logger.WithField("component", "mirror"),
		now:       time.Now,
	}
}

// SetClock replaces the wall clock used for display status.
func (m *Mirror) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// OnCommit registers a listener called after every mutating call.
// Listeners run outside the mirror lock.
func (m *Mirror) OnCommit(fn func(Diagnostic)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// change describes one candidate mutation for safeReplace.
type change struct {
	table       Table
	origin      Origin
	op          string
	id          string
	prev, next  int
	explained   int // rows the caller explicitly asked to remove
	intentional bool
	apply       func()
	persist     func(Backing) error
}

// safeReplace is the single primitive through which every table mutation
// passes. It rejects unexplained N>0 to 0 transitions. Caller holds m.mu.
func (m *Mirror) safeReplace(c change) Decision {
	d := Diagnostic{
		Table:    c.table,
		Origin:   c.origin,
		Op:       c.op,
		ID:       c.id,
		Previous: c.prev,
		Current:  c.next,
		At:       m.now(),
	}

	if c.prev > 0 && c.next == 0 && !c.intentional && c.prev-c.next > c.explained {
		d.Current = c.prev
		d.Reason = reasonUnexplainedEmpty
		m.record(d)
		m.log.WithFields(logrus.Fields{
			"table":    c.table,
			"origin":   c.origin,
			"previous": c.prev,
		}).Warn("rejected replace that would empty the table")
		return Decision{Accepted: false, Reason: d.Reason, Diagnostic: d}
	}

	c.apply()
	if m.backing != nil && c.persist != nil {
		if err := c.persist(m.backing); err != nil {
			m.log.WithError(err).WithField("table", c.table).Warn("mirror write-through failed")
		}
	}

	d.Accepted = true
	m.record(d)
	return Decision{Accepted: true, Diagnostic: d}
}

func (m *Mirror) reject(table Table, origin Origin, op Op, id, reason string) Decision {
	n := m.countLocked(table)
	d := Diagnostic{
		Table: table, Origin: origin, Op: string(op), ID: id,
		Previous: n, Current: n, Reason: reason, At: m.now(),
	}
	m.record(d)
	return Decision{Accepted: false, Reason: reason, Diagnostic: d}
}

func (m *Mirror) record(d Diagnostic) {
	if len(m.diags) == maxDiagnostics {
		copy(m.diags, m.diags[1:])
		m.diags = m.diags[:maxDiagnostics-1]
	}
	m.diags = append(m.diags, d)

	entry := m.log.WithFields(logrus.Fields{
		"table":    d.Table,
		"origin":   d.Origin,
		"op":       d.Op,
		"previous": d.Previous,
		"current":  d.Current,
	})
	if d.Accepted && d.Previous > 0 && d.Current == 0 {
		entry.Info("table emptied")
		return
	}
	entry.Debug("mirror commit")
}

func (m *Mirror) notify(d Diagnostic) {
	m.mu.RLock()
	listeners := append([]func(Diagnostic){}, m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(d)
	}
}

// ApplyMedication applies a single medication change.
func (m *Mirror) ApplyMedication(op Op, med Medication, origin Origin) Decision {
	return m.apply(op, med, origin)
}

// ApplyLog applies a single log change and maintains the derived index.
func (m *Mirror) ApplyLog(op Op, l MedicationLog, origin Origin) Decision {
	return m.apply(op, l, origin)
}

// ApplySettings applies a change to the settings row.
func (m *Mirror) ApplySettings(op Op, s UserSettings, origin Origin) Decision {
	return m.apply(op, s, origin)
}

func (m *Mirror) apply(op Op, row Row, origin Origin) Decision {
	m.mu.Lock()
	d := m.applyLocked(op, row, origin)
	m.mu.Unlock()
	m.notify(d.Diagnostic)
	return d
}

// applyIf applies op only when cond holds for the row currently stored
// under (table, id). The check and the apply are atomic.
func (m *Mirror) applyIf(table Table, id string, cond func(current Row, ok bool) bool, op Op, row Row, origin Origin) (Decision, bool) {
	m.mu.Lock()
	current, ok := m.getLocked(table, id)
	if !cond(current, ok) {
		m.mu.Unlock()
		return Decision{}, false
	}
	d := m.applyLocked(op, row, origin)
	m.mu.Unlock()
	m.notify(d.Diagnostic)
	return d, true
}

// rekeyIf replaces the row at oldID with row, which carries a different
// id, in one step. Nothing changes unless cond holds for the row at oldID.
func (m *Mirror) rekeyIf(table Table, oldID string, cond func(current Row, ok bool) bool, row Row, origin Origin) (Decision, bool) {
	m.mu.Lock()
	current, ok := m.getLocked(table, oldID)
	if !cond(current, ok) {
		m.mu.Unlock()
		return Decision{}, false
	}
	put := m.applyLocked(OpUpdate, row, origin)
	if !put.Accepted {
		m.mu.Unlock()
		m.notify(put.Diagnostic)
		return put, true
	}
	del := m.applyLocked(OpDelete, current, origin)
	m.mu.Unlock()
	m.notify(put.Diagnostic)
	m.notify(del.Diagnostic)
	return del, true
}

func (m *Mirror) applyLocked(op Op, row Row, origin Origin) Decision {
	switch r := row.(type) {
	case Medication:
		return m.applyMedicationLocked(op, r, origin)
	case MedicationLog:
		return m.applyLogLocked(op, r, origin)
	case UserSettings:
		return m.applySettingsLocked(op, r, origin)
	default:
		return m.reject("", origin, op, row.RowID(), fmt.Sprintf("unsupported row type %T", row))
	}
}

func (m *Mirror) get(table Table, id string) (Row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(table, id)
}

func (m *Mirror) getLocked(table Table, id string) (Row, bool) {
	switch table {
	case TableMedications:
		med, ok := m.meds[id]
		return med, ok
	case TableLogs:
		l, ok := m.logs[id]
		return l, ok
	case TableSettings:
		if m.settings == nil || (id != "" && m.settings.OwnerID != id) {
			return nil, false
		}
		return *m.settings, true
	}
	return nil, false
}

func (m *Mirror) countLocked(table Table) int {
	switch table {
	case TableMedications:
		return len(m.meds)
	case TableLogs:
		return len(m.logs)
	case TableSettings:
		if m.settings != nil {
			return 1
		}
	}
	return 0
}

func (m *Mirror) applyMedicationLocked(op Op, med Medication, origin Origin) Decision {
	if med.ID == "" {
		return m.reject(TableMedications, origin, op, "", "medication missing id")
	}
	prev := len(m.meds)
	_, exists := m.meds[med.ID]

	switch op {
	case OpInsert, OpUpdate:
		next := prev
		if !exists {
			next++
		}
		return m.safeReplace(change{
			table: TableMedications, origin: origin, op: string(op), id: med.ID,
			prev: prev, next: next,
			apply: func() {
				m.meds[med.ID] = med
			},
			persist: func(b Backing) error { return putJSON(b, TableMedications, med.ID, med) },
		})
	case OpDelete:
		if !exists {
			return Decision{Accepted: true, Reason: "absent", Diagnostic: Diagnostic{
				Table: TableMedications, Origin: origin, Op: string(op), ID: med.ID,
				Previous: prev, Current: prev, Accepted: true, At: m.now(),
			}}
		}
		return m.safeReplace(change{
			table: TableMedications, origin: origin, op: string(op), id: med.ID,
			prev: prev, next: prev - 1, explained: 1,
			apply: func() {
				delete(m.meds, med.ID)
			},
			persist: func(b Backing) error { return b.Delete(TableMedications, med.ID) },
		})
	}
	return m.reject(TableMedications, origin, op, med.ID, "unknown op")
}

func (m *Mirror) applyLogLocked(op Op, l MedicationLog, origin Origin) Decision {
	if l.ID == "" {
		return m.reject(TableLogs, origin, op, "", "log missing id")
	}
	prev := len(m.logs)
	existing, exists := m.logs[l.ID]

	switch op {
	case OpInsert, OpUpdate:
		if l.MedicationID == "" {
			return m.reject(TableLogs, origin, op, l.ID, "log missing medication_id")
		}
		next := prev
		if !exists {
			next++
		}
		return m.safeReplace(change{
			table: TableLogs, origin: origin, op: string(op), id: l.ID,
			prev: prev, next: next,
			apply:   func() { m.putLogLocked(l) },
			persist: func(b Backing) error { return putJSON(b, TableLogs, l.ID, l) },
		})
	case OpDelete:
		if !exists {
			return Decision{Accepted: true, Reason: "absent", Diagnostic: Diagnostic{
				Table: TableLogs, Origin: origin, Op: string(op), ID: l.ID,
				Previous: prev, Current: prev, Accepted: true, At: m.now(),
			}}
		}
		return m.safeReplace(change{
			table: TableLogs, origin: origin, op: string(op), id: l.ID,
			prev: prev, next: prev - 1, explained: 1,
			apply:   func() { m.removeLogLocked(existing) },
			persist: func(b Backing) error { return b.Delete(TableLogs, l.ID) },
		})
	}
	return m.reject(TableLogs, origin, op, l.ID, "unknown op")
}

func (m *Mirror) applySettingsLocked(op Op, s UserSettings, origin Origin) Decision {
	if s.OwnerID == "" {
		return m.reject(TableSettings, origin, op, "", "settings missing owner_id")
	}
	prev := m.countLocked(TableSettings)

	switch op {
	case OpInsert, OpUpdate:
		return m.safeReplace(change{
			table: TableSettings, origin: origin, op: string(op), id: s.OwnerID,
			prev: prev, next: 1,
			apply: func() {
				cp := copySettings(s)
				m.settings = &cp
			},
			persist: func(b Backing) error { return putJSON(b, TableSettings, s.OwnerID, s) },
		})
	case OpDelete:
		if m.settings == nil {
			return Decision{Accepted: true, Reason: "absent", Diagnostic: Diagnostic{
				Table: TableSettings, Origin: origin, Op: string(op), ID: s.OwnerID, At: m.now(), Accepted: true,
			}}
		}
		return m.safeReplace(change{
			table: TableSettings, origin: origin, op: string(op), id: s.OwnerID,
			prev: prev, next: 0, explained: 1,
			apply:   func() { m.settings = nil },
			persist: func(b Backing) error { return b.Delete(TableSettings, s.OwnerID) },
		})
	}
	return m.reject(TableSettings, origin, op, s.OwnerID, "unknown op")
}

// putLogLocked stores l and updates the ordered view and the derived index
// incrementally.
func (m *Mirror) putLogLocked(l MedicationLog) {
	old, existed := m.logs[l.ID]
	m.logs[l.ID] = l

	if existed {
		if old.MedicationID != l.MedicationID {
			delete(m.logsByMed[old.MedicationID], l.ID)
			if cur, ok := m.latest[old.MedicationID]; ok && cur.ID == l.ID {
				m.recomputeOneLocked(old.MedicationID)
			}
		}
		m.removeOrderedLocked(l.ID)
	}
	m.insertOrderedLocked(l)

	set, ok := m.logsByMed[l.MedicationID]
	if !ok {
		set = make(map[string]struct{})
		m.logsByMed[l.MedicationID] = set
	}
	set[l.ID] = struct{}{}

	cur, ok := m.latest[l.MedicationID]
	switch {
	case !ok || logNewer(l, cur):
		m.latest[l.MedicationID] = l
	case cur.ID == l.ID:
		// The previous max moved backwards in time.
		m.recomputeOneLocked(l.MedicationID)
	}
}

func (m *Mirror) removeLogLocked(l MedicationLog) {
	delete(m.logs, l.ID)
	if set, ok := m.logsByMed[l.MedicationID]; ok {
		delete(set, l.ID)
		if len(set) == 0 {
			delete(m.logsByMed, l.MedicationID)
		}
	}
	m.removeOrderedLocked(l.ID)
	if cur, ok := m.latest[l.MedicationID]; ok && cur.ID == l.ID {
		m.recomputeOneLocked(l.MedicationID)
	}
}

func (m *Mirror) insertOrderedLocked(l MedicationLog) {
	i := sort.Search(len(m.ordered), func(i int) bool {
		return !logNewer(m.logs[m.ordered[i]], l)
	})
	m.ordered = append(m.ordered, "")
	copy(m.ordered[i+1:], m.ordered[i:])
	m.ordered[i] = l.ID
}

func (m *Mirror) removeOrderedLocked(id string) {
	for i, cur := range m.ordered {
		if cur == id {
			m.ordered = append(m.ordered[:i], m.ordered[i+1:]...)
			return
		}
	}
}

// logNewer orders logs by taken_at, breaking ties by id so the index is
// deterministic.
func logNewer(a, b MedicationLog) bool {
	if a.TakenAt.Equal(b.TakenAt) {
		return a.ID > b.ID
	}
	return a.TakenAt.After(b.TakenAt)
}

// RecomputeOne rescans only the logs of one medication to restore its
// derived-index entry.
func (m *Mirror) RecomputeOne(medicationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputeOneLocked(medicationID)
}

func (m *Mirror) recomputeOneLocked(medicationID string) {
	var (
		best  MedicationLog
		found bool
	)
	for id := range m.logsByMed[medicationID] {
		l := m.logs[id]
		if !found || logNewer(l, best) {
			best, found = l, true
		}
	}
	if !found {
		delete(m.latest, medicationID)
		return
	}
	m.latest[medicationID] = best
}

// rebuildIndexLocked sorts every log and rebuilds the ordered view, the
// per-medication sets and the derived index from scratch.
func (m *Mirror) rebuildIndexLocked() {
	all := make([]MedicationLog, 0, len(m.logs))
	for _, l := range m.logs {
		all = append(all, l)
	}
	sort.Slice(all, func(i, j int) bool { return logNewer(all[i], all[j]) })

	m.ordered = make([]string, len(all))
	m.logsByMed = make(map[string]map[string]struct{})
	m.latest = make(map[string]MedicationLog)
	for i, l := range all {
		m.ordered[i] = l.ID
		set, ok := m.logsByMed[l.MedicationID]
		if !ok {
			set = make(map[string]struct{})
			m.logsByMed[l.MedicationID] = set
		}
		set[l.ID] = struct{}{}
		if _, ok := m.latest[l.MedicationID]; !ok {
			m.latest[l.MedicationID] = l
		}
	}
}

func statusFor(latest map[string]MedicationLog, medicationID string, now time.Time) DisplayStatus {
	l, ok := latest[medicationID]
	if !ok || !sameDay(l.TakenAt.In(now.Location()), now) {
		return StatusPending
	}
	if l.Status == LogStatusSkipped {
		return StatusSkipped
	}
	return StatusTaken
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ReplaceMedications swaps the whole medications table.
func (m *Mirror) ReplaceMedications(rows []Medication, opts ReplaceOptions) Decision {
	next := make(map[string]Medication, len(rows))
	for _, row := range rows {
		if row.ID != "" {
			next[row.ID] = row
		}
	}

	m.mu.Lock()
	d := m.safeReplace(change{
		table: TableMedications, origin: opts.Origin, op: "replace",
		prev: len(m.meds), next: len(next), intentional: opts.IntentionalClear,
		apply: func() {
			m.meds = next
		},
		persist: func(b Backing) error { return replaceTable(b, TableMedications, next) },
	})
	m.mu.Unlock()
	m.notify(d.Diagnostic)
	return d
}

// ReplaceLogs swaps the whole logs table and rebuilds the derived index.
func (m *Mirror) ReplaceLogs(rows []MedicationLog, opts ReplaceOptions) Decision {
	next := make(map[string]MedicationLog, len(rows))
	for _, row := range rows {
		if row.ID != "" && row.MedicationID != "" {
			next[row.ID] = row
		}
	}

	m.mu.Lock()
	d := m.safeReplace(change{
		table: TableLogs, origin: opts.Origin, op: "replace",
		prev: len(m.logs), next: len(next), intentional: opts.IntentionalClear,
		apply: func() {
			m.logs = next
			m.rebuildIndexLocked()
		},
		persist: func(b Backing) error { return replaceTable(b, TableLogs, next) },
	})
	m.mu.Unlock()
	m.notify(d.Diagnostic)
	return d
}

// ReplaceSettings swaps the settings row. A nil s clears it.
func (m *Mirror) ReplaceSettings(s *UserSettings, opts ReplaceOptions) Decision {
	next := map[string]UserSettings{}
	if s != nil && s.OwnerID != "" {
		next[s.OwnerID] = copySettings(*s)
	}

	m.mu.Lock()
	d := m.safeReplace(change{
		table: TableSettings, origin: opts.Origin, op: "replace",
		prev: m.countLocked(TableSettings), next: len(next), intentional: opts.IntentionalClear,
		apply: func() {
			m.settings = nil
			for _, row := range next {
				row := row
				m.settings = &row
			}
		},
		persist: func(b Backing) error { return replaceTable(b, TableSettings, next) },
	})
	m.mu.Unlock()
	m.notify(d.Diagnostic)
	return d
}

// Clear empties every table. It is the intentional-clear path used by
// logout and delete-all.
func (m *Mirror) Clear() {
	opts := ReplaceOptions{Origin: OriginClear, IntentionalClear: true}
	m.ReplaceLogs(nil, opts)
	m.ReplaceMedications(nil, opts)
	m.ReplaceSettings(nil, opts)
}

// Hydrate loads every table from the backing store.
func (m *Mirror) Hydrate() error {
	if m.backing == nil {
		return nil
	}

	meds, err := scanRows[Medication](m.backing, TableMedications)
	if err != nil {
		return fmt.Errorf("hydrate medications: %w", err)
	}
	logs, err := scanRows[MedicationLog](m.backing, TableLogs)
	if err != nil {
		return fmt.Errorf("hydrate logs: %w", err)
	}
	settings, err := scanRows[UserSettings](m.backing, TableSettings)
	if err != nil {
		return fmt.Errorf("hydrate settings: %w", err)
	}

	opts := ReplaceOptions{Origin: OriginHydrate}
	m.ReplaceMedications(meds, opts)
	m.ReplaceLogs(logs, opts)
	if len(settings) > 0 {
		m.ReplaceSettings(&settings[0], opts)
	}
	return nil
}

// Medications returns all medications ordered by scheduled time, then name.
func (m *Mirror) Medications() []Medication {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Medication, 0, len(m.meds))
	for _, med := range m.meds {
		out = append(out, med)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledTime != out[j].ScheduledTime {
			return out[i].ScheduledTime < out[j].ScheduledTime
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Medication returns one medication by id.
func (m *Mirror) Medication(id string) (Medication, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	med, ok := m.meds[id]
	return med, ok
}

// Logs returns every log, newest taken_at first.
func (m *Mirror) Logs() []MedicationLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MedicationLog, len(m.ordered))
	for i, id := range m.ordered {
		out[i] = m.logs[id]
	}
	return out
}

// LogsFor returns the logs of one medication, newest first.
func (m *Mirror) LogsFor(medicationID string) []MedicationLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MedicationLog, 0, len(m.logsByMed[medicationID]))
	for id := range m.logsByMed[medicationID] {
		out = append(out, m.logs[id])
	}
	sort.Slice(out, func(i, j int) bool { return logNewer(out[i], out[j]) })
	return out
}

// Log returns one log by id.
func (m *Mirror) Log(id string) (MedicationLog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logs[id]
	return l, ok
}

// Latest returns the derived-index entry for a medication.
func (m *Mirror) Latest(medicationID string) (MedicationLog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.latest[medicationID]
	return l, ok
}

// Status returns a medication's display status, evaluated against the
// current local calendar day.
func (m *Mirror) Status(medicationID string) DisplayStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.meds[medicationID]; !ok {
		return StatusPending
	}
	return statusFor(m.latest, medicationID, m.now())
}

// Settings returns a copy of the settings row, or nil.
func (m *Mirror) Settings() *UserSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return nil
	}
	cp := copySettings(*m.settings)
	return &cp
}

// Count returns the number of rows held for a table.
func (m *Mirror) Count(table Table) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(table)
}

// Diagnostics returns the retained diagnostic records, oldest first.
func (m *Mirror) Diagnostics() []Diagnostic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Diagnostic(nil), m.diags...)
}

func copySettings(s UserSettings) UserSettings {
	if s.Settings != nil {
		blob := make(map[string]any, len(s.Settings))
		for k, v := range s.Settings {
			blob[k] = v
		}
		s.Settings = blob
	}
	return s
}

func putJSON(b Backing, table Table, id string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s row %s: %w", table, id, err)
	}
	return b.Put(table, id, payload)
}

func replaceTable[T any](b Backing, table Table, rows map[string]T) error {
	existing, err := b.Scan(table)
	if err != nil {
		return err
	}
	for id := range existing {
		if _, keep := rows[id]; !keep {
			if err := b.Delete(table, id); err != nil {
				return err
			}
		}
	}
	for id, row := range rows {
		if err := putJSON(b, table, id, row); err != nil {
			return err
		}
	}
	return nil
}

func scanRows[T any](b Backing, table Table) ([]T, error) {
	raw, err := b.Scan(table)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for id, payload := range raw {
		var row T
		if err := json.Unmarshal(payload, &row); err != nil {
			return nil, fmt.Errorf("decode %s row %s: %w", table, id, err)
		}
		out = append(out, row)
	}
	return out, nil
}
