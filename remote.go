package medsync

import "context"

// Remote is the authoritative store. Every write carries the row's
// provenance stamp so other devices can recognise it.
type Remote interface {
	UpsertMedication(ctx context.Context, med Medication) (Medication, error)
	DeleteMedication(ctx context.Context, id string, stamp Stamp) error
	UpsertLog(ctx context.Context, l MedicationLog) (MedicationLog, error)
	DeleteLog(ctx context.Context, id string, stamp Stamp) error
	UpsertSettings(ctx context.Context, s UserSettings) (UserSettings, error)

	SelectMedications(ctx context.Context, q Query) ([]Medication, error)
	SelectLogs(ctx context.Context, q Query) ([]MedicationLog, error)
	// GetSettings returns nil, nil when the owner has no settings row.
	GetSettings(ctx context.Context, ownerID string) (*UserSettings, error)

	// RequiredVersion returns the client version the server requires, or
	// "" when it does not pin one.
	RequiredVersion(ctx context.Context) (string, error)
}

// ChangeFeed delivers per-table change events for one owner.
type ChangeFeed interface {
	// Subscribe starts delivery in the background. handler is called from
	// a single goroutine in commit order per table.
	Subscribe(ctx context.Context, ownerID string, tables []Table, handler func(ChangeEvent)) error
	State() FeedState
	Close() error
}

// BlobStore is write-once object storage for dose images.
type BlobStore interface {
	// Put stores data under key and returns a resolvable address.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
