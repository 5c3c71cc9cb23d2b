package medsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func onlineConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		LocalPath:       filepath.Join(t.TempDir(), "mirror.db"),
		ServerURL:       "http://medsync.test",
		APIKey:          "key",
		OwnerID:         "owner-1",
		ClientVersion:   "1.0.0",
		RefreshDebounce: 20 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, cfg Config, deps Deps) *Client {
	t.Helper()
	c, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_InvalidProfile(t *testing.T) {
	_, err := New(Config{Profile: "bad profile!"}, Deps{})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
}

func TestClient_StartLoadsAndSubscribes(t *testing.T) {
	remote := newFakeRemote()
	remote.meds["m1"] = med("m1")
	remote.logs["l1"] = logAt("l1", "m1", time.Now())
	feed := newFakeFeed()

	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote, Feed: feed})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()), "Start is idempotent")

	assert.NotEmpty(t, c.DeviceID())
	assert.Len(t, c.Medications(), 1)
	assert.Equal(t, StatusTaken, c.Status("m1"))
	require.NotNil(t, feed.handler)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Medications)
	assert.False(t, stats.LastRefresh.IsZero())

	today := c.Today()
	require.Len(t, today, 1)
	assert.Equal(t, StatusTaken, today[0].Status)
	require.NotNil(t, today[0].Latest)
}

func TestClient_AddMedicationAndRecordDose(t *testing.T) {
	remote := newFakeRemote()
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote})
	require.NoError(t, c.Start(context.Background()))

	p, err := c.AddMedication(context.Background(), Medication{Name: "Levothyroxine", Dosage: "50mcg", ScheduledTime: "07:00"})
	require.NoError(t, err)
	assert.Len(t, c.Medications(), 1, "visible before the ack")
	m, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "owner-1", m.OwnerID)
	assert.Equal(t, c.DeviceID(), m.DeviceID)

	dose, err := c.RecordDose(context.Background(), RecordDoseParams{MedicationID: m.ID})
	require.NoError(t, err)
	l, err := dose.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LogStatusTaken, l.Status)
	assert.Equal(t, TimeSourceDevice, l.TimeSource)
	assert.Equal(t, StatusTaken, c.Status(m.ID))

	got, ok := c.Latest(m.ID)
	require.True(t, ok)
	assert.Equal(t, SyncStateClean, got.SyncState)
	assert.Contains(t, remote.logs, l.ID)
}

func TestClient_RecordDoseUploadsImage(t *testing.T) {
	remote := newFakeRemote()
	blobs := newFakeBlobs()
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote, Blobs: blobs})
	require.NoError(t, c.Start(context.Background()))
	p, _ := c.AddMedication(context.Background(), Medication{Name: "Aspirin"})
	m, err := p.Wait(context.Background())
	require.NoError(t, err)

	dose, err := c.RecordDose(context.Background(), RecordDoseParams{
		MedicationID: m.ID,
		Image:        []byte("jpeg-bytes"),
		ImageExt:     "jpg",
		TimeSource:   TimeSourceExif,
	})
	require.NoError(t, err)
	l, err := dose.Wait(context.Background())
	require.NoError(t, err)

	assert.Len(t, blobs.puts, 1)
	assert.Contains(t, l.ImagePath, "s3://test/owner-1/"+m.ID+"/")
	assert.NotNil(t, l.UploadedAt)
	assert.Equal(t, ImageHash([]byte("jpeg-bytes")), l.ImageHash)
	stored, _ := c.mirror.Log(l.ID)
	assert.Equal(t, l.ImagePath, stored.ImagePath)
}

func TestClient_RecordDoseWithoutBlobStore(t *testing.T) {
	remote := newFakeRemote()
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote})
	require.NoError(t, c.Start(context.Background()))
	p, _ := c.AddMedication(context.Background(), Medication{Name: "Aspirin"})
	m, _ := p.Wait(context.Background())

	_, err := c.RecordDose(context.Background(), RecordDoseParams{MedicationID: m.ID, Image: []byte("x")})
	assert.ErrorIs(t, err, ErrStorageBackendMissing)
	assert.Empty(t, c.Logs(), "the mutation is abandoned before touching the mirror")
}

func TestClient_RecordDoseRollsBackOnFailure(t *testing.T) {
	remote := newFakeRemote()
	blobs := newFakeBlobs()
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote, Blobs: blobs})
	require.NoError(t, c.Start(context.Background()))
	p, _ := c.AddMedication(context.Background(), Medication{Name: "Aspirin"})
	m, _ := p.Wait(context.Background())

	blobs.err = errors.New("bucket missing")
	dose, err := c.RecordDose(context.Background(), RecordDoseParams{MedicationID: m.ID, Image: []byte("x")})
	require.NoError(t, err)
	_, err = dose.Wait(context.Background())
	require.Error(t, err)

	assert.Empty(t, c.Logs())
	assert.Equal(t, StatusPending, c.Status(m.ID))
	assert.Empty(t, remote.logs)
}

func TestClient_UnknownIDs(t *testing.T) {
	c := newTestClient(t, onlineConfig(t), Deps{Remote: newFakeRemote()})
	require.NoError(t, c.Start(context.Background()))

	_, err := c.UpdateMedication(context.Background(), Medication{ID: "nope", Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.DeleteLog(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.RecordDose(context.Background(), RecordDoseParams{MedicationID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.AddMedication(context.Background(), Medication{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestClient_UpdateSettingsMergesFields(t *testing.T) {
	remote := newFakeRemote()
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote})
	require.NoError(t, c.Start(context.Background()))

	p, err := c.UpdateSettings(context.Background(), map[string]any{"theme": "dark", "reminders": true})
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	require.NoError(t, err)

	p, err = c.UpdateSettings(context.Background(), map[string]any{"theme": nil, "locale": "en-GB"})
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	require.NoError(t, err)

	s := c.Settings()
	require.NotNil(t, s)
	assert.Equal(t, map[string]any{"reminders": true, "locale": "en-GB"}, s.Settings)
}

func TestClient_FeedEventsFromOtherDevices(t *testing.T) {
	remote := newFakeRemote()
	remote.meds["m1"] = med("m1")
	feed := newFakeFeed()
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote, Feed: feed})
	require.NoError(t, c.Start(context.Background()))

	var outcomes []Outcome
	c.OnEvent(func(_ ChangeEvent, o Outcome, _ error) { outcomes = append(outcomes, o) })

	l := fromDeviceB(logAt("remote-log", "m1", time.Now()))
	feed.emit(ChangeEvent{Table: TableLogs, EventType: OpInsert, New: mustJSON(t, l)})

	echo := logAt("mine", "m1", time.Now())
	echo.SourceDevice = c.DeviceID()
	feed.emit(ChangeEvent{Table: TableLogs, EventType: OpInsert, New: mustJSON(t, echo)})

	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeSelfEcho}, outcomes)
	assert.Len(t, c.Logs(), 1)
	assert.Equal(t, StatusTaken, c.Status("m1"))
}

func TestClient_NotFoundEscalatesToRefresh(t *testing.T) {
	remote := newFakeRemote()
	remote.meds["m1"] = med("m1")
	feed := newFakeFeed()
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote, Feed: feed})
	require.NoError(t, c.Start(context.Background()))

	// The server has a medication this client never heard about.
	remote.mu.Lock()
	remote.meds["m2"] = med("m2")
	remote.mu.Unlock()
	updated := med("m2")
	updated.DeviceID = "device-b"
	feed.emit(ChangeEvent{Table: TableMedications, EventType: OpUpdate, New: mustJSON(t, updated)})

	require.Eventually(t, func() bool { return len(c.Medications()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestClient_ReconnectTriggersRefresh(t *testing.T) {
	remote := newFakeRemote()
	feed := newFakeFeed()
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote, Feed: feed})
	require.NoError(t, c.Start(context.Background()))
	baseline := remote.selectCount()

	feed.transition(FeedConnected)
	feed.transition(FeedDisconnected)
	feed.transition(FeedReconnecting)
	feed.transition(FeedConnected)

	require.Eventually(t, func() bool { return remote.selectCount() == baseline+3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, FeedConnected, c.FeedState())
}

func TestClient_VersionMismatchPurges(t *testing.T) {
	cfg := onlineConfig(t)
	remote := newFakeRemote()
	remote.meds["m1"] = med("m1")

	c, err := New(cfg, Deps{Remote: remote})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	deviceID := c.DeviceID()
	require.NoError(t, c.Close())

	remote.required = "2.0.0"
	c, err = New(cfg, Deps{Remote: remote})
	require.NoError(t, err)
	defer c.Close()

	err = c.Start(context.Background())
	var vm *VersionMismatchError
	require.True(t, errors.As(err, &vm), "got %v", err)
	assert.Empty(t, c.Medications())
	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Medications)
	assert.Equal(t, deviceID, c.DeviceID())
}

func TestClient_StartServesCacheWhenServerDown(t *testing.T) {
	cfg := onlineConfig(t)
	remote := newFakeRemote()
	remote.meds["m1"] = med("m1")

	c, err := New(cfg, Deps{Remote: remote})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())

	remote.versionErr = errRemoteDown
	remote.selectErr = errRemoteDown
	c = newTestClient(t, cfg, Deps{Remote: remote})
	require.NoError(t, c.Start(context.Background()))
	assert.Len(t, c.Medications(), 1)
}

func TestClient_Offline(t *testing.T) {
	cfg := Config{LocalPath: filepath.Join(t.TempDir(), "mirror.db")}
	c := newTestClient(t, cfg, Deps{Remote: newFakeRemote(), Feed: newFakeFeed()})
	require.NoError(t, c.Start(context.Background()))

	_, err := c.AddMedication(context.Background(), Medication{Name: "x"})
	assert.ErrorIs(t, err, ErrOffline)
	assert.ErrorIs(t, c.ForceSync(context.Background()), ErrOffline)
	assert.Equal(t, FeedDisconnected, c.FeedState())

	health := c.HealthCheck(context.Background())
	assert.True(t, health.Healthy)
	assert.False(t, health.ServerReachable)
}

func TestClient_DeleteAll(t *testing.T) {
	remote := newFakeRemote()
	remote.meds["m1"] = med("m1")
	remote.logs["l1"] = logAt("l1", "m1", time.Now())
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote})
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.DeleteAll(context.Background()))
	assert.Empty(t, c.Medications())
	assert.Empty(t, c.Logs())
	assert.Empty(t, remote.meds)
	assert.Empty(t, remote.logs)
}

func TestClient_DeleteAllRestoresOnFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.meds["m1"] = med("m1")
	remote.logs["l1"] = logAt("l1", "m1", time.Now())
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote})
	require.NoError(t, c.Start(context.Background()))

	remote.setWriteErr(errRemoteDown)
	err := c.DeleteAll(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Len(t, c.Medications(), 1)
	assert.Len(t, c.Logs(), 1)
}

func TestClient_LogoutKeepsDeviceIdentity(t *testing.T) {
	remote := newFakeRemote()
	remote.meds["m1"] = med("m1")
	feed := newFakeFeed()
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote, Feed: feed})
	require.NoError(t, c.Start(context.Background()))
	deviceID := c.DeviceID()

	require.NoError(t, c.Logout(context.Background()))
	assert.Empty(t, c.Medications())
	assert.True(t, feed.closed)

	id, err := c.store.GetMetadata(MetaDeviceID)
	require.NoError(t, err)
	assert.Equal(t, deviceID, id)
	stats, _ := c.Stats()
	assert.Equal(t, 0, stats.Medications)
}

func TestClient_LogoutCancelsScheduledRefresh(t *testing.T) {
	remote := newFakeRemote()
	c := newTestClient(t, onlineConfig(t), Deps{Remote: remote})
	require.NoError(t, c.Start(context.Background()))

	remote.meds["m1"] = med("m1")
	c.refresher.Trigger(TableMedications, TriggerReconnect)
	require.NoError(t, c.Logout(context.Background()))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, c.Medications())
	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Medications)

	assert.ErrorIs(t, c.ForceSync(context.Background()), ErrLoggedOut)
	_, err = c.AddMedication(context.Background(), med("m2"))
	assert.ErrorIs(t, err, ErrLoggedOut)
}
