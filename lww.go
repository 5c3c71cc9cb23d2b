package medsync

import "time"

// ConflictWindow is the minimum clock gap for a local row to beat a remote
// row. Zero means plain greater-than comparison: any strictly later local
// timestamp wins, and every tie goes to remote.
const ConflictWindow time.Duration = 0

// Resolve returns the last-write-wins winner between two versions of the
// same row. Clock() already falls back from updated_at to created_at to the
// row's domain timestamp. Exact ties favor remote.
func Resolve[T Row](local, remote T) T {
	if local.Clock().Sub(remote.Clock()) > ConflictWindow {
		return local
	}
	return remote
}

// sameVersion reports whether a and b carry the same clock and provenance.
func sameVersion(a, b Row) bool {
	return a.Clock().Equal(b.Clock()) && a.Provenance() == b.Provenance()
}

// mergeBatch merges a freshly fetched batch into the held batch by id.
// The result contains every fetched row, resolved against the held version
// when one exists. Held rows missing from the fetched batch are kept only
// when keep reports them as having an in-flight local write. onLoss is
// called when a held row loses to a remote row, so callers can flag it.
func mergeBatch[T Row](held, fetched []T, keep func(T) bool, onLoss func(local, remote T) T) []T {
	heldByID := make(map[string]T, len(held))
	for _, row := range held {
		heldByID[row.RowID()] = row
	}

	merged := make([]T, 0, len(fetched))
	seen := make(map[string]struct{}, len(fetched))
	for _, remote := range fetched {
		id := remote.RowID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		local, ok := heldByID[id]
		if !ok {
			merged = append(merged, remote)
			continue
		}
		winner := Resolve(local, remote)
		if !sameVersion(winner, local) && onLoss != nil && keep != nil && keep(local) {
			winner = onLoss(local, remote)
		}
		merged = append(merged, winner)
	}

	if keep != nil {
		for _, row := range held {
			if _, ok := seen[row.RowID()]; ok {
				continue
			}
			if keep(row) {
				merged = append(merged, row)
			}
		}
	}
	return merged
}
