package medsync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MetadataStore is the key/value surface DeviceIdentity persists through.
type MetadataStore interface {
	GetMetadata(key string) (string, error)
	SetMetadata(key, value string) error
}

// DeviceIdentity is the stable, opaque per-install identifier. It carries
// no security meaning; it only stamps outgoing writes.
type DeviceIdentity struct {
	meta MetadataStore

	once sync.Once
	id   string
	err  error
}

// NewDeviceIdentity creates an identity backed by meta.
func NewDeviceIdentity(meta MetadataStore) *DeviceIdentity {
	return &DeviceIdentity{meta: meta}
}

// ID returns the install's identifier, generating and persisting it on
// first use. It never rotates.
func (d *DeviceIdentity) ID() (string, error) {
	d.once.Do(func() {
		d.id, d.err = d.load()
	})
	return d.id, d.err
}

func (d *DeviceIdentity) load() (string, error) {
	id, err := d.meta.GetMetadata(MetaDeviceID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("device identity: %w", err)
	}

	id = uuid.NewString()
	if err := d.meta.SetMetadata(MetaDeviceID, id); err != nil {
		return "", fmt.Errorf("device identity: persist: %w", err)
	}
	return id, nil
}
