package medsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errRemoteDown = &SyncError{Operation: "test", StatusCode: 503, Err: errors.New("remote down")}

// fakeRemote is an in-memory authoritative store.
type fakeRemote struct {
	mu       sync.Mutex
	meds     map[string]Medication
	logs     map[string]MedicationLog
	settings *UserSettings

	required   string
	versionErr error
	writeErr   error
	selectErr  error
	// release, when non-nil, holds every write until it is closed.
	release chan struct{}

	writes  int
	selects int
	queries []Query
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		meds: make(map[string]Medication),
		logs: make(map[string]MedicationLog),
	}
}

func (f *fakeRemote) hold(ctx context.Context) error {
	f.mu.Lock()
	release := f.release
	f.writes++
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// Read after release so a test can flip the error while writes are held.
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeErr
}

func (f *fakeRemote) UpsertMedication(ctx context.Context, med Medication) (Medication, error) {
	if err := f.hold(ctx); err != nil {
		return Medication{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meds[med.ID] = med
	return med, nil
}

func (f *fakeRemote) DeleteMedication(ctx context.Context, id string, _ Stamp) error {
	if err := f.hold(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.meds, id)
	return nil
}

func (f *fakeRemote) UpsertLog(ctx context.Context, l MedicationLog) (MedicationLog, error) {
	if err := f.hold(ctx); err != nil {
		return MedicationLog{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[l.ID] = l
	return l, nil
}

func (f *fakeRemote) DeleteLog(ctx context.Context, id string, _ Stamp) error {
	if err := f.hold(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.logs, id)
	return nil
}

func (f *fakeRemote) UpsertSettings(ctx context.Context, s UserSettings) (UserSettings, error) {
	if err := f.hold(ctx); err != nil {
		return UserSettings{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := copySettings(s)
	f.settings = &cp
	return s, nil
}

func (f *fakeRemote) SelectMedications(_ context.Context, q Query) ([]Medication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selects++
	f.queries = append(f.queries, q)
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	out := make([]Medication, 0, len(f.meds))
	for _, m := range f.meds {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeRemote) SelectLogs(_ context.Context, q Query) ([]MedicationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selects++
	f.queries = append(f.queries, q)
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	out := make([]MedicationLog, 0, len(f.logs))
	for _, l := range f.logs {
		if !q.Since.IsZero() && l.TakenAt.Before(q.Since) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeRemote) GetSettings(_ context.Context, _ string) (*UserSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selects++
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	if f.settings == nil {
		return nil, nil
	}
	cp := copySettings(*f.settings)
	return &cp, nil
}

func (f *fakeRemote) RequiredVersion(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.required, f.versionErr
}

func (f *fakeRemote) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeRemote) selectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selects
}

// fakeFeed hands events straight to the subscribed handler.
type fakeFeed struct {
	mu        sync.Mutex
	state     FeedState
	handler   func(ChangeEvent)
	listeners []func(prev, next FeedState)
	closed    bool
}

func newFakeFeed() *fakeFeed { return &fakeFeed{state: FeedConnecting} }

func (f *fakeFeed) Subscribe(_ context.Context, _ string, _ []Table, handler func(ChangeEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeFeed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFeed) OnStateChange(fn func(prev, next FeedState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeFeed) emit(ev ChangeEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(ev)
}

func (f *fakeFeed) transition(next FeedState) {
	f.mu.Lock()
	prev := f.state
	f.state = next
	listeners := append([]func(prev, next FeedState){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(prev, next)
	}
}

type fakeBlobs struct {
	mu   sync.Mutex
	puts map[string][]byte
	err  error
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{puts: make(map[string][]byte)} }

func (f *fakeBlobs) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.puts[key] = data
	return "s3://test/" + key, nil
}

// memBacking is an in-memory Backing.
type memBacking struct {
	mu     sync.Mutex
	tables map[Table]map[string][]byte
}

func newMemBacking() *memBacking {
	return &memBacking{tables: make(map[Table]map[string][]byte)}
}

func (b *memBacking) Get(table Table, id string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.tables[table][id]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (b *memBacking) Put(table Table, id string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tables[table] == nil {
		b.tables[table] = make(map[string][]byte)
	}
	b.tables[table][id] = payload
	return nil
}

func (b *memBacking) Delete(table Table, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tables[table], id)
	return nil
}

func (b *memBacking) Scan(table Table) (map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]byte, len(b.tables[table]))
	for k, v := range b.tables[table] {
		out[k] = v
	}
	return out, nil
}

// recordingEscalator captures refresh triggers.
type recordingEscalator struct {
	mu       sync.Mutex
	triggers []string
}

func (e *recordingEscalator) Trigger(table Table, source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggers = append(e.triggers, string(table)+":"+source)
}

func (e *recordingEscalator) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.triggers...)
}

// fixed test clock: mid-morning so same-day checks are stable.
var testNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func testMirror() *Mirror {
	m := NewMirror(nil, DiscardLogger())
	m.SetClock(func() time.Time { return testNow })
	return m
}

func med(id string) Medication {
	return Medication{ID: id, OwnerID: "owner-1", Name: "Med " + id, CreatedAt: testNow.Add(-time.Hour), UpdatedAt: testNow.Add(-time.Hour)}
}

func logAt(id, medID string, takenAt time.Time) MedicationLog {
	return MedicationLog{
		ID:           id,
		MedicationID: medID,
		OwnerID:      "owner-1",
		TakenAt:      takenAt,
		Status:       LogStatusTaken,
		SyncState:    SyncStateClean,
		CreatedAt:    takenAt,
		UpdatedAt:    takenAt,
	}
}
