package medsync

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// mutable is a row the gateway can stamp and move through sync states.
type mutable[T any] interface {
	Row
	stamped(s Stamp, now time.Time) T
	withSyncState(state SyncState) T
}

// WriteFunc performs the remote half of a mutation and returns the
// canonical row from the authoritative store.
type WriteFunc[T Row] func(ctx context.Context, row T) (T, error)

// Pending tracks one optimistic mutation until its remote write settles.
type Pending[T Row] struct {
	MutationID string
	// Row is the optimistic row as applied to the mirror.
	Row T

	done   chan struct{}
	result T
	err    error
}

// Done is closed once the remote write has been acknowledged or rolled back.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the mutation settles or ctx is done. It returns the
// canonical row on success. Cancelling ctx does not cancel the write.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type inflightRef struct {
	table Table
	id    string
}

// Gateway applies user mutations to the mirror immediately and reconciles
// them with the remote acknowledgement, or rolls them back.
type Gateway struct {
	mirror *Mirror
	device string
	log    *logrus.Entry
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]inflightRef
	wg       sync.WaitGroup
}

// NewGateway creates a gateway stamping writes with deviceID.
func NewGateway(mirror *Mirror, deviceID string, logger *logrus.Entry) *Gateway {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Gateway{
		mirror:   mirror,
		device:   deviceID,
		log:      logger.WithField("component", "gateway"),
		now:      time.Now,
		inflight: make(map[string]inflightRef),
	}
}

// DeviceID returns the identity stamped on outgoing writes.
func (g *Gateway) DeviceID() string { return g.device }

// IsInflight reports whether mutationID belongs to an unsettled local write.
func (g *Gateway) IsInflight(mutationID string) bool {
	if mutationID == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[mutationID]
	return ok
}

// HasPending reports whether any unsettled write targets (table, id).
func (g *Gateway) HasPending(table Table, id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ref := range g.inflight {
		if ref.table == table && ref.id == id {
			return true
		}
	}
	return false
}

// InflightCount returns the number of unsettled writes.
func (g *Gateway) InflightCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// Wait blocks until every unsettled write has settled or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) track(mutationID string, ref inflightRef) {
	g.mu.Lock()
	g.inflight[mutationID] = ref
	g.mu.Unlock()
}

func (g *Gateway) untrack(mutationID string) {
	g.mu.Lock()
	delete(g.inflight, mutationID)
	g.mu.Unlock()
}

// Mutate applies op to the mirror synchronously and fires write in the
// background. A rejected local apply returns an error and never reaches
// the network.
func Mutate[T mutable[T]](ctx context.Context, g *Gateway, op Op, row T, write WriteFunc[T]) (*Pending[T], error) {
	table := tableOf(row)
	id := row.RowID()
	mutationID := ulid.Make().String()

	prev, existed := g.mirror.get(table, id)

	row = row.stamped(Stamp{DeviceID: g.device, MutationID: mutationID}, g.now())
	if d := g.mirror.apply(op, row, OriginOptimistic); !d.Accepted {
		return nil, d.Err()
	}

	g.track(mutationID, inflightRef{table: table, id: id})
	g.wg.Add(1)

	p := &Pending[T]{MutationID: mutationID, Row: row, done: make(chan struct{})}
	entry := g.log.WithFields(logrus.Fields{
		"table":       table,
		"op":          op,
		"id":          id,
		"mutation_id": mutationID,
	})

	// The remote write cannot be aborted once issued.
	writeCtx := context.WithoutCancel(ctx)
	go func() {
		defer g.wg.Done()
		defer close(p.done)
		defer g.untrack(mutationID)

		ours := func(current Row, ok bool) bool {
			return ok && current.Provenance().MutationID == mutationID
		}

		if op != OpDelete {
			g.mirror.applyIf(table, id, ours, OpUpdate, row.withSyncState(SyncStateSyncing), OriginOptimistic)
		}

		canonical, err := write(writeCtx, row)
		if err != nil {
			p.err = err
			entry.WithError(err).Warn("remote write failed, rolling back")
			g.rollback(op, table, id, row, prev, existed, ours)
			return
		}

		if op == OpDelete {
			entry.Debug("remote delete acknowledged")
			return
		}
		if canonical.RowID() == "" {
			canonical = row
		}
		canonical = canonical.withSyncState(SyncStateClean)
		var applied bool
		if canonicalID := canonical.RowID(); canonicalID != id {
			_, applied = g.mirror.rekeyIf(table, id, ours, canonical, OriginAck)
			entry = entry.WithField("canonical_id", canonicalID)
		} else {
			present := func(_ Row, ok bool) bool { return ok }
			_, applied = g.mirror.applyIf(table, id, present, OpUpdate, canonical, OriginAck)
		}
		if !applied {
			entry.Debug("row changed before acknowledgement, dropping canonical fields")
		}
		p.result = canonical
		entry.Debug("remote write acknowledged")
	}()

	return p, nil
}

// rollback restores the pre-mutation snapshot unless a later change has
// already superseded the optimistic row.
func (g *Gateway) rollback(op Op, table Table, id string, row, prev Row, existed bool, ours func(Row, bool) bool) {
	switch {
	case op == OpDelete:
		if !existed {
			return
		}
		absent := func(_ Row, ok bool) bool { return !ok }
		g.mirror.applyIf(table, id, absent, OpInsert, prev, OriginRollback)
	case existed:
		g.mirror.applyIf(table, id, ours, OpUpdate, prev, OriginRollback)
	default:
		g.mirror.applyIf(table, id, ours, OpDelete, row, OriginRollback)
	}
}
