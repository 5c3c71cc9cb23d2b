package medsync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Purger clears persisted local state except the device identity.
type Purger interface {
	PurgeLocalState() error
}

// VersionGate checks the server's required client version before any
// cached state is trusted.
type VersionGate struct {
	remote  Remote
	running string
	purger  Purger
	mirror  *Mirror
	log     *logrus.Entry
}

// NewVersionGate creates a gate for the running client version.
func NewVersionGate(remote Remote, running string, purger Purger, mirror *Mirror, logger *logrus.Entry) *VersionGate {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &VersionGate{
		remote:  remote,
		running: running,
		purger:  purger,
		mirror:  mirror,
		log:     logger.WithField("component", "version_gate"),
	}
}

// Check compares versions. On mismatch it purges local state and the
// mirror and returns *VersionMismatchError; the session must restart.
// An unreachable server leaves the cache in place.
func (g *VersionGate) Check(ctx context.Context) error {
	if g.remote == nil {
		return nil
	}

	required, err := g.remote.RequiredVersion(ctx)
	if err != nil {
		g.log.WithError(err).Warn("required version unavailable, using cached state")
		return nil
	}
	if required == "" || required == g.running {
		return nil
	}

	g.log.WithFields(logrus.Fields{
		"required": required,
		"running":  g.running,
	}).Error("client version mismatch, purging local state")

	if g.purger != nil {
		if err := g.purger.PurgeLocalState(); err != nil {
			return fmt.Errorf("version gate: purge: %w", err)
		}
	}
	if g.mirror != nil {
		g.mirror.Clear()
	}
	return &VersionMismatchError{Required: required, Running: g.running}
}
