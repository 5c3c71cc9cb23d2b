package medsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPurger struct {
	calls int
	err   error
}

func (p *countingPurger) PurgeLocalState() error {
	p.calls++
	return p.err
}

func TestVersionGate(t *testing.T) {
	tests := []struct {
		name       string
		required   string
		versionErr error
		wantPurge  bool
	}{
		{name: "matching version", required: "1.0.0"},
		{name: "no pinned version", required: ""},
		{name: "server unreachable", versionErr: errRemoteDown},
		{name: "mismatch", required: "2.0.0", wantPurge: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newFakeRemote()
			remote.required = tt.required
			remote.versionErr = tt.versionErr
			purger := &countingPurger{}
			m := testMirror()
			m.ApplyMedication(OpInsert, med("m1"), OriginHydrate)

			err := NewVersionGate(remote, "1.0.0", purger, m, DiscardLogger()).Check(context.Background())

			if !tt.wantPurge {
				require.NoError(t, err)
				assert.Equal(t, 0, purger.calls)
				assert.Equal(t, 1, m.Count(TableMedications))
				return
			}
			var vm *VersionMismatchError
			require.True(t, errors.As(err, &vm))
			assert.Equal(t, "2.0.0", vm.Required)
			assert.Equal(t, "1.0.0", vm.Running)
			assert.Equal(t, 1, purger.calls)
			assert.Equal(t, 0, m.Count(TableMedications))
		})
	}
}

func TestVersionGate_PurgeFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.required = "9.9.9"
	purger := &countingPurger{err: errors.New("locked")}

	err := NewVersionGate(remote, "1.0.0", purger, nil, DiscardLogger()).Check(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrVersionMismatch))
}

func TestVersionGate_Offline(t *testing.T) {
	assert.NoError(t, NewVersionGate(nil, "1.0.0", nil, nil, nil).Check(context.Background()))
}
