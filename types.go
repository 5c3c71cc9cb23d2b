package medsync

import (
	"encoding/json"
	"time"
)

// Table names a logical table of the authoritative store.
type Table string

const (
	TableMedications Table = "medications"
	TableLogs        Table = "medication_logs"
	TableSettings    Table = "user_settings"
)

// Tables returns every table the mirror tracks, in reload order.
func Tables() []Table {
	return []Table{TableMedications, TableLogs, TableSettings}
}

// IsValid reports whether t is a known table.
func (t Table) IsValid() bool {
	for _, valid := range Tables() {
		if t == valid {
			return true
		}
	}
	return false
}

// Op is the kind of change applied to a row.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// SyncState tracks local-vs-remote agreement for a single log row.
type SyncState string

const (
	SyncStateClean    SyncState = "clean"
	SyncStateDirty    SyncState = "dirty"
	SyncStateSyncing  SyncState = "syncing"
	SyncStateConflict SyncState = "conflict"
)

// LogStatus is what the user reported for a dose.
type LogStatus string

const (
	LogStatusTaken   LogStatus = "taken"
	LogStatusSkipped LogStatus = "skipped"
)

// TimeSource records where a log's taken_at came from.
type TimeSource string

const (
	TimeSourceExif   TimeSource = "exif"
	TimeSourceDevice TimeSource = "device"
	TimeSourceManual TimeSource = "manual"
)

// DisplayStatus is the per-medication status shown to the user.
type DisplayStatus string

const (
	StatusPending DisplayStatus = "pending"
	StatusTaken   DisplayStatus = "taken"
	StatusSkipped DisplayStatus = "skipped"
)

// Row is implemented by every mirrored entity.
type Row interface {
	// RowID is the row's identity within its table.
	RowID() string
	// Clock is the timestamp used for last-write-wins ordering.
	Clock() time.Time
	// Provenance is the stamp of the write that last produced the row.
	Provenance() Stamp
}

// Stamp identifies the device and mutation behind a write.
type Stamp struct {
	DeviceID   string `json:"device_id"`
	MutationID string `json:"mutation_id,omitempty"`
}

// Medication is a scheduled medication owned by a single user.
type Medication struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	Dosage        string    `json:"dosage,omitempty"`
	ScheduledTime string    `json:"scheduled_time,omitempty"` // HH:MM local time
	Accent        string    `json:"accent,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	MutationID    string    `json:"mutation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (m Medication) RowID() string { return m.ID }

func (m Medication) Clock() time.Time {
	if !m.UpdatedAt.IsZero() {
		return m.UpdatedAt
	}
	return m.CreatedAt
}

func (m Medication) Provenance() Stamp {
	return Stamp{DeviceID: m.DeviceID, MutationID: m.MutationID}
}

// MedicationLog is the evidence record of a single dose.
type MedicationLog struct {
	ID           string     `json:"id"`
	MedicationID string     `json:"medication_id"`
	OwnerID      string     `json:"owner_id"`
	TakenAt      time.Time  `json:"taken_at"`
	UploadedAt   *time.Time `json:"uploaded_at,omitempty"`
	TimeSource   TimeSource `json:"time_source,omitempty"`
	Status       LogStatus  `json:"status"`
	ImagePath    string     `json:"image_path,omitempty"`
	ImageHash    string     `json:"image_hash,omitempty"`
	SourceDevice string     `json:"source_device,omitempty"`
	MutationID   string     `json:"mutation_id,omitempty"`
	SyncState    SyncState  `json:"sync_state,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (l MedicationLog) RowID() string { return l.ID }

func (l MedicationLog) Clock() time.Time {
	switch {
	case !l.UpdatedAt.IsZero():
		return l.UpdatedAt
	case !l.CreatedAt.IsZero():
		return l.CreatedAt
	default:
		return l.TakenAt
	}
}

func (l MedicationLog) Provenance() Stamp {
	return Stamp{DeviceID: l.SourceDevice, MutationID: l.MutationID}
}

// UserSettings is the single settings row per owner. Settings is merged at
// the field level by callers and resolved as a whole blob.
type UserSettings struct {
	OwnerID    string         `json:"owner_id"`
	Settings   map[string]any `json:"settings"`
	DeviceID   string         `json:"device_id,omitempty"`
	MutationID string         `json:"mutation_id,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (s UserSettings) RowID() string { return s.OwnerID }

func (s UserSettings) Clock() time.Time { return s.UpdatedAt }

func (s UserSettings) Provenance() Stamp {
	return Stamp{DeviceID: s.DeviceID, MutationID: s.MutationID}
}

// ChangeEvent is one entry of a per-table change feed.
type ChangeEvent struct {
	Table      Table           `json:"table"`
	EventType  Op              `json:"eventType"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	MutationID string          `json:"mutation_id,omitempty"`
	CommitTime time.Time       `json:"commit_timestamp,omitempty"`
}

// FeedState is the connection state of the change feed.
type FeedState string

const (
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedDisconnected FeedState = "disconnected"
	FeedReconnecting FeedState = "reconnecting"
)

// Query bounds a select against the authoritative store.
type Query struct {
	OwnerID string
	Since   time.Time
	Limit   int
}

// RecordDoseParams describes a dose to log.
type RecordDoseParams struct {
	MedicationID string     `json:"medication_id"`
	TakenAt      time.Time  `json:"taken_at"`
	TimeSource   TimeSource `json:"time_source,omitempty"`
	Status       LogStatus  `json:"status,omitempty"`
	Image        []byte     `json:"-"`
	ImageExt     string     `json:"image_ext,omitempty"`
}

// StoreStats summarizes the local mirror and durable store.
type StoreStats struct {
	Medications   int       `json:"medications"`
	Logs          int       `json:"logs"`
	DirtyLogs     int       `json:"dirty_logs"`
	HasSettings   bool      `json:"has_settings"`
	LastRefresh   time.Time `json:"last_refresh"`
	SchemaVersion string    `json:"schema_version"`
}

// HealthStatus represents the health of the client.
type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	StoreOK         bool      `json:"store_ok"`
	ServerReachable bool      `json:"server_reachable"`
	Feed            FeedState `json:"feed"`
	Error           string    `json:"error,omitempty"`
}

// stamped returns a copy carrying a fresh provenance stamp and clock.
func (m Medication) stamped(s Stamp, now time.Time) Medication {
	m.DeviceID, m.MutationID = s.DeviceID, s.MutationID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	return m
}

func (m Medication) withSyncState(SyncState) Medication { return m }

func (l MedicationLog) stamped(s Stamp, now time.Time) MedicationLog {
	l.SourceDevice, l.MutationID = s.DeviceID, s.MutationID
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	l.SyncState = SyncStateDirty
	return l
}

func (l MedicationLog) withSyncState(state SyncState) MedicationLog {
	l.SyncState = state
	return l
}

func (s UserSettings) stamped(st Stamp, now time.Time) UserSettings {
	s.DeviceID, s.MutationID = st.DeviceID, st.MutationID
	s.UpdatedAt = now
	return s
}

func (s UserSettings) withSyncState(SyncState) UserSettings { return s }

// tableOf returns the table a row belongs to.
func tableOf(row Row) Table {
	switch row.(type) {
	case Medication, *Medication:
		return TableMedications
	case MedicationLog, *MedicationLog:
		return TableLogs
	case UserSettings, *UserSettings:
		return TableSettings
	}
	return ""
}
