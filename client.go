package medsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Version is the running client version checked by the version gate.
var Version = "0.1.0"

// Deps are the external collaborators of a Client. Any of them may be nil:
// a nil Remote means offline mode, a nil Blobs rejects dose images.
type Deps struct {
	Remote Remote
	Feed   ChangeFeed
	Blobs  BlobStore
	Logger *logrus.Entry
}

// stateNotifier is implemented by feeds that report connection changes.
type stateNotifier interface {
	OnStateChange(fn func(prev, next FeedState))
}

// Client is the main interface for the medication sync core.
type Client struct {
	config     Config
	store      *Store
	deviceID   string
	mirror     *Mirror
	gateway    *Gateway
	reconciler *Reconciler
	refresher  *Refresher
	gate       *VersionGate
	remote     Remote
	feed       ChangeFeed
	blobs      BlobStore
	log        *logrus.Entry

	mu        sync.Mutex
	started   bool
	closed    bool
	loggedOut bool
}

// New creates a client over the local store at cfg.LocalPath.
func New(cfg Config, deps Deps) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = DiscardLogger()
	}

	store, err := NewStore(cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	deviceID, err := NewDeviceIdentity(store).ID()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("client: %w", err)
	}
	logger = logger.WithField("device_id", deviceID)

	c := &Client{
		config:   cfg,
		store:    store,
		deviceID: deviceID,
		blobs:    deps.Blobs,
		log:      logger.WithField("component", "client"),
	}
	if !cfg.IsOffline() {
		c.remote = deps.Remote
		c.feed = deps.Feed
	}

	c.mirror = NewMirror(store, logger)
	c.gateway = NewGateway(c.mirror, deviceID, logger)
	c.refresher = NewRefresher(c.mirror, c.remote, cfg.OwnerID, c.gateway.HasPending, RefresherOptions{
		Debounce:   cfg.RefreshDebounce,
		Limit:      cfg.RefreshLimit,
		WindowDays: cfg.RefreshWindowDays,
	}, logger)
	c.reconciler = NewReconciler(c.mirror, deviceID, c.gateway.IsInflight, c.refresher, logger)
	c.gate = NewVersionGate(c.remote, cfg.ClientVersion, store, c.mirror, logger)

	return c, nil
}

// Start runs the version gate, restores the mirror from disk, performs an
// initial bounded reload and subscribes to the change feed. A
// *VersionMismatchError means local state was purged and the session must
// be restarted.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStoreClosed
	}
	if c.started {
		return nil
	}

	if err := c.gate.Check(ctx); err != nil {
		return err
	}
	if err := c.mirror.Hydrate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}

	if c.remote != nil {
		if err := c.forceSync(ctx); err != nil {
			c.log.WithError(err).Warn("initial reload failed, serving cached state")
		}
	}

	if c.feed != nil {
		if n, ok := c.feed.(stateNotifier); ok {
			n.OnStateChange(c.onFeedState)
		}
		if err := c.feed.Subscribe(ctx, c.config.OwnerID, Tables(), c.reconciler.HandleEvent); err != nil {
			return fmt.Errorf("client: subscribe: %w", err)
		}
	}

	c.started = true
	return nil
}

// onFeedState schedules a refresh after a reconnect, since events may have
// been missed while disconnected.
func (c *Client) onFeedState(prev, next FeedState) {
	c.log.WithFields(logrus.Fields{"from": prev, "to": next}).Info("feed state changed")
	if prev == FeedReconnecting && next == FeedConnected {
		for _, table := range Tables() {
			c.refresher.Trigger(table, TriggerReconnect)
		}
	}
}

// DeviceID returns this install's identity.
func (c *Client) DeviceID() string { return c.deviceID }

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.config }

func (c *Client) requireRemote() error {
	c.mu.Lock()
	loggedOut := c.loggedOut
	c.mu.Unlock()
	if loggedOut {
		return ErrLoggedOut
	}
	if c.remote == nil {
		return ErrOffline
	}
	return nil
}

// AddMedication creates a medication optimistically.
func (c *Client) AddMedication(ctx context.Context, med Medication) (*Pending[Medication], error) {
	if err := c.requireRemote(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(med.Name) == "" {
		return nil, fmt.Errorf("%w: medication name is required", ErrInvalidEntity)
	}
	if med.ID == "" {
		med.ID = ulid.Make().String()
	}
	med.OwnerID = c.config.OwnerID
	return Mutate(ctx, c.gateway, OpInsert, med, c.remote.UpsertMedication)
}

// UpdateMedication replaces an existing medication optimistically.
func (c *Client) UpdateMedication(ctx context.Context, med Medication) (*Pending[Medication], error) {
	if err := c.requireRemote(); err != nil {
		return nil, err
	}
	current, ok := c.mirror.Medication(med.ID)
	if !ok {
		return nil, ErrNotFound
	}
	med.OwnerID = current.OwnerID
	med.CreatedAt = current.CreatedAt
	return Mutate(ctx, c.gateway, OpUpdate, med, c.remote.UpsertMedication)
}

// DeleteMedication removes a medication optimistically.
func (c *Client) DeleteMedication(ctx context.Context, id string) (*Pending[Medication], error) {
	if err := c.requireRemote(); err != nil {
		return nil, err
	}
	current, ok := c.mirror.Medication(id)
	if !ok {
		return nil, ErrNotFound
	}
	return Mutate(ctx, c.gateway, OpDelete, current, func(ctx context.Context, m Medication) (Medication, error) {
		return m, c.remote.DeleteMedication(ctx, m.ID, m.Provenance())
	})
}

// RecordDose logs a dose optimistically. An attached image is uploaded as
// part of the remote write; without a blob store the dose is rejected
// before anything changes.
func (c *Client) RecordDose(ctx context.Context, params RecordDoseParams) (*Pending[MedicationLog], error) {
	if err := c.requireRemote(); err != nil {
		return nil, err
	}
	if _, ok := c.mirror.Medication(params.MedicationID); !ok {
		return nil, ErrNotFound
	}
	if len(params.Image) > 0 && c.blobs == nil {
		return nil, ErrStorageBackendMissing
	}

	l := MedicationLog{
		ID:           ulid.Make().String(),
		MedicationID: params.MedicationID,
		OwnerID:      c.config.OwnerID,
		TakenAt:      params.TakenAt,
		TimeSource:   params.TimeSource,
		Status:       params.Status,
	}
	if l.TakenAt.IsZero() {
		l.TakenAt = time.Now()
	}
	if l.TimeSource == "" {
		l.TimeSource = TimeSourceDevice
	}
	if l.Status == "" {
		l.Status = LogStatusTaken
	}
	if len(params.Image) > 0 {
		l.ImageHash = ImageHash(params.Image)
	}

	image, ext := params.Image, params.ImageExt
	return Mutate(ctx, c.gateway, OpInsert, l, func(ctx context.Context, l MedicationLog) (MedicationLog, error) {
		if len(image) > 0 {
			key := ImageKey(l.OwnerID, l.MedicationID, l.TakenAt, ext)
			addr, err := c.blobs.Put(ctx, key, image, ImageContentType(ext))
			if err != nil {
				return MedicationLog{}, err
			}
			uploaded := time.Now()
			l.ImagePath = addr
			l.UploadedAt = &uploaded
		}
		return c.remote.UpsertLog(ctx, l)
	})
}

// UpdateLog replaces an existing log optimistically.
func (c *Client) UpdateLog(ctx context.Context, l MedicationLog) (*Pending[MedicationLog], error) {
	if err := c.requireRemote(); err != nil {
		return nil, err
	}
	current, ok := c.mirror.Log(l.ID)
	if !ok {
		return nil, ErrNotFound
	}
	l.OwnerID = current.OwnerID
	l.CreatedAt = current.CreatedAt
	if l.MedicationID == "" {
		l.MedicationID = current.MedicationID
	}
	return Mutate(ctx, c.gateway, OpUpdate, l, c.remote.UpsertLog)
}

// DeleteLog removes a log optimistically.
func (c *Client) DeleteLog(ctx context.Context, id string) (*Pending[MedicationLog], error) {
	if err := c.requireRemote(); err != nil {
		return nil, err
	}
	current, ok := c.mirror.Log(id)
	if !ok {
		return nil, ErrNotFound
	}
	return Mutate(ctx, c.gateway, OpDelete, current, func(ctx context.Context, l MedicationLog) (MedicationLog, error) {
		return l, c.remote.DeleteLog(ctx, l.ID, l.Provenance())
	})
}

// UpdateSettings merges patch into the settings blob field by field and
// writes the result. A nil value removes a field.
func (c *Client) UpdateSettings(ctx context.Context, patch map[string]any) (*Pending[UserSettings], error) {
	if err := c.requireRemote(); err != nil {
		return nil, err
	}

	op := OpInsert
	next := UserSettings{OwnerID: c.config.OwnerID, Settings: map[string]any{}}
	if current := c.mirror.Settings(); current != nil {
		op = OpUpdate
		next = *current
		if next.Settings == nil {
			next.Settings = map[string]any{}
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(next.Settings, k)
			continue
		}
		next.Settings[k] = v
	}
	return Mutate(ctx, c.gateway, op, next, c.remote.UpsertSettings)
}

// ForceSync reloads every table from the authoritative store.
func (c *Client) ForceSync(ctx context.Context) error {
	if err := c.requireRemote(); err != nil {
		return err
	}
	return c.forceSync(ctx)
}

func (c *Client) forceSync(ctx context.Context) error {
	if err := c.refresher.ForceSync(ctx); err != nil {
		return err
	}
	if err := c.store.SetMetadata(MetaLastRefresh, time.Now().UTC().Format(time.RFC3339)); err != nil {
		c.log.WithError(err).Warn("record last refresh")
	}
	return nil
}

// Logout ends the session: the feed and refresher are stopped, the mirror
// is cleared and local state except the device identity is purged. Later
// writes and reloads fail with ErrLoggedOut.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()

	c.refresher.Close()
	if c.feed != nil {
		if err := c.feed.Close(); err != nil {
			c.log.WithError(err).Warn("close feed")
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = c.gateway.Wait(waitCtx)

	c.mirror.Clear()
	return c.store.PurgeLocalState()
}

// DeleteAll removes every medication and log for the owner, locally and
// remotely. The caller must have confirmed with the user. If a remote
// delete fails the local snapshot is restored and a refresh is scheduled.
func (c *Client) DeleteAll(ctx context.Context) error {
	if err := c.requireRemote(); err != nil {
		return err
	}

	meds := c.mirror.Medications()
	logs := c.mirror.Logs()
	cleared := ReplaceOptions{Origin: OriginClear, IntentionalClear: true}
	c.mirror.ReplaceLogs(nil, cleared)
	c.mirror.ReplaceMedications(nil, cleared)

	stamp := func() Stamp { return Stamp{DeviceID: c.deviceID, MutationID: ulid.Make().String()} }

	var err error
	for _, l := range logs {
		if err = c.remote.DeleteLog(ctx, l.ID, stamp()); err != nil {
			break
		}
	}
	if err == nil {
		for _, m := range meds {
			if err = c.remote.DeleteMedication(ctx, m.ID, stamp()); err != nil {
				break
			}
		}
	}
	if err == nil {
		return nil
	}

	c.log.WithError(err).Warn("delete all failed, restoring local snapshot")
	restore := ReplaceOptions{Origin: OriginRollback}
	c.mirror.ReplaceMedications(meds, restore)
	c.mirror.ReplaceLogs(logs, restore)
	c.refresher.Trigger(TableMedications, TriggerForceSync)
	c.refresher.Trigger(TableLogs, TriggerForceSync)
	return fmt.Errorf("delete all: %w", err)
}

// OnEvent registers fn to observe every change-feed event and its outcome.
func (c *Client) OnEvent(fn func(ChangeEvent, Outcome, error)) {
	c.reconciler.OnOutcome(fn)
}

// Medications returns the mirrored medications.
func (c *Client) Medications() []Medication { return c.mirror.Medications() }

// Logs returns every mirrored log, newest first.
func (c *Client) Logs() []MedicationLog { return c.mirror.Logs() }

// LogsFor returns one medication's logs, newest first.
func (c *Client) LogsFor(medicationID string) []MedicationLog { return c.mirror.LogsFor(medicationID) }

// Latest returns the most recent log for a medication.
func (c *Client) Latest(medicationID string) (MedicationLog, bool) { return c.mirror.Latest(medicationID) }

// Status returns a medication's display status.
func (c *Client) Status(medicationID string) DisplayStatus { return c.mirror.Status(medicationID) }

// Settings returns the settings row, or nil.
func (c *Client) Settings() *UserSettings { return c.mirror.Settings() }

// Diagnostics returns recent mirror diagnostics.
func (c *Client) Diagnostics() []Diagnostic { return c.mirror.Diagnostics() }

// FeedState returns the change feed's connection state.
func (c *Client) FeedState() FeedState {
	if c.feed == nil {
		return FeedDisconnected
	}
	return c.feed.State()
}

// MedicationStatus pairs a medication with its display status.
type MedicationStatus struct {
	Medication Medication     `json:"medication" yaml:"medication"`
	Status     DisplayStatus  `json:"status" yaml:"status"`
	Latest     *MedicationLog `json:"latest,omitempty" yaml:"latest,omitempty"`
}

// Today returns every medication with its display status, ordered by
// scheduled time.
func (c *Client) Today() []MedicationStatus {
	meds := c.mirror.Medications()
	out := make([]MedicationStatus, 0, len(meds))
	for _, m := range meds {
		ms := MedicationStatus{Medication: m, Status: c.mirror.Status(m.ID)}
		if l, ok := c.mirror.Latest(m.ID); ok {
			ms.Latest = &l
		}
		out = append(out, ms)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Medication.ScheduledTime < out[j].Medication.ScheduledTime
	})
	return out
}

// Stats returns store statistics.
func (c *Client) Stats() (*StoreStats, error) {
	stats, err := c.store.Stats()
	if err != nil {
		return nil, err
	}
	if last := c.refresher.LastRefresh(); last.After(stats.LastRefresh) {
		stats.LastRefresh = last
	}
	return stats, nil
}

// HealthCheck returns the health status of the client.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		StoreOK: true,
		Feed:    c.FeedState(),
	}

	if _, err := c.store.Stats(); err != nil {
		status.StoreOK = false
		status.Healthy = false
		status.Error = err.Error()
		return status
	}

	if c.remote != nil {
		_, err := c.remote.RequiredVersion(ctx)
		status.ServerReachable = err == nil
		if err != nil && status.Error == "" {
			status.Error = err.Error()
		}
	}

	return status
}

// Close stops background work, waits briefly for in-flight writes and
// closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.refresher.Close()
	var errs []error
	if c.feed != nil {
		if err := c.feed.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.gateway.Wait(ctx); err != nil {
		c.log.WithField("inflight", c.gateway.InflightCount()).Warn("closing with unsettled writes")
	}

	errs = append(errs, c.store.Close())
	return errors.Join(errs...)
}
