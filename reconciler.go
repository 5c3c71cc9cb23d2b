package medsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Outcome is what the reconciler did with one change event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSelfEcho  Outcome = "self_echo"
	OutcomeEscalated Outcome = "escalated"
)

// Refresh trigger sources.
const (
	TriggerMalformedEvent   = "malformed_event"
	TriggerNotFoundOnUpdate = "not_found_on_update"
	TriggerNotFoundOnDelete = "not_found_on_delete"
	TriggerForceSync        = "force_sync"
	TriggerReconnect        = "feed_reconnect"
)

// Escalator receives tables whose incremental patching cannot be trusted.
type Escalator interface {
	Trigger(table Table, source string)
}

// Reconciler applies change-feed events from other devices to the mirror.
type Reconciler struct {
	mirror    *Mirror
	device    string
	inflight  func(mutationID string) bool
	escalator Escalator
	log       *logrus.Entry

	mu       sync.Mutex
	observer func(ChangeEvent, Outcome, error)
}

// NewReconciler creates a reconciler. inflight reports whether a mutation
// id belongs to an unsettled local write; it may be nil.
func NewReconciler(mirror *Mirror, deviceID string, inflight func(string) bool, escalator Escalator, logger *logrus.Entry) *Reconciler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if inflight == nil {
		inflight = func(string) bool { return false }
	}
	return &Reconciler{
		mirror:    mirror,
		device:    deviceID,
		inflight:  inflight,
		escalator: escalator,
		log:       logger.WithField("component", "reconciler"),
	}
}

// OnOutcome registers fn to observe every handled event.
func (r *Reconciler) OnOutcome(fn func(ChangeEvent, Outcome, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// HandleEvent is Handle without the return values, suitable as a feed
// handler.
func (r *Reconciler) HandleEvent(ev ChangeEvent) {
	_, _ = r.Handle(ev)
}

// Handle applies a single event. Escalated events return the error that
// caused the escalation; they are non-fatal.
func (r *Reconciler) Handle(ev ChangeEvent) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcome, err := r.handle(ev)

	entry := r.log.WithFields(logrus.Fields{
		"table":   ev.Table,
		"event":   ev.EventType,
		"outcome": outcome,
	})
	if err != nil {
		entry.WithError(err).Warn("change event escalated to refresh")
	} else {
		entry.Debug("change event handled")
	}
	if r.observer != nil {
		r.observer(ev, outcome, err)
	}
	return outcome, err
}

func (r *Reconciler) handle(ev ChangeEvent) (Outcome, error) {
	if r.isSelfEcho(ev) {
		return OutcomeSelfEcho, nil
	}

	switch ev.Table {
	case TableMedications:
		return reconcile[Medication](r, ev, medicationFields)
	case TableLogs:
		return reconcile[MedicationLog](r, ev, logFields)
	case TableSettings:
		return reconcile[UserSettings](r, ev, settingsFields)
	}
	return r.escalate(ev, TriggerMalformedEvent, &MalformedEventError{
		Table: ev.Table, EventType: ev.EventType,
		Err: fmt.Errorf("unknown table %q", ev.Table),
	})
}

// isSelfEcho matches the event's stamp against this device. The stamp is
// taken from the envelope, falling back to the row's own provenance.
func (r *Reconciler) isSelfEcho(ev ChangeEvent) bool {
	stamp := Stamp{DeviceID: ev.DeviceID, MutationID: ev.MutationID}
	if stamp.DeviceID == "" || stamp.MutationID == "" {
		row := rowStamp(ev.New)
		if len(ev.New) == 0 {
			row = rowStamp(ev.Old)
		}
		if stamp.DeviceID == "" {
			stamp.DeviceID = row.DeviceID
		}
		if stamp.MutationID == "" {
			stamp.MutationID = row.MutationID
		}
	}
	if r.device != "" && stamp.DeviceID == r.device {
		return true
	}
	return r.inflight(stamp.MutationID)
}

func rowStamp(raw json.RawMessage) Stamp {
	if len(raw) == 0 {
		return Stamp{}
	}
	var probe struct {
		DeviceID     string `json:"device_id"`
		SourceDevice string `json:"source_device"`
		MutationID   string `json:"mutation_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Stamp{}
	}
	if probe.DeviceID == "" {
		probe.DeviceID = probe.SourceDevice
	}
	return Stamp{DeviceID: probe.DeviceID, MutationID: probe.MutationID}
}

// required fields per table for rows carried in New.
var (
	medicationFields = []string{"id", "owner_id"}
	logFields        = []string{"id", "medication_id", "taken_at"}
	settingsFields   = []string{"owner_id"}
)

func reconcile[T Row](r *Reconciler, ev ChangeEvent, required []string) (Outcome, error) {
	switch ev.EventType {
	case OpInsert, OpUpdate:
		row, err := decodeRow[T](ev.New, required)
		if err != nil {
			return r.escalate(ev, TriggerMalformedEvent, r.malformed(ev, err))
		}
		id := row.RowID()
		_, exists := r.mirror.get(ev.Table, id)

		if ev.EventType == OpInsert {
			if exists {
				return OutcomeDuplicate, nil
			}
			return r.commit(ev, OpInsert, row)
		}
		if !exists {
			return r.escalate(ev, TriggerNotFoundOnUpdate, &NotFoundOnReconcileError{Table: ev.Table, EventType: ev.EventType, ID: id})
		}
		return r.commit(ev, OpUpdate, row)

	case OpDelete:
		old := ev.Old
		if len(old) == 0 {
			old = ev.New
		}
		row, err := decodeRow[T](old, required[:1])
		if err != nil {
			return r.escalate(ev, TriggerMalformedEvent, r.malformed(ev, err))
		}
		id := row.RowID()
		if _, exists := r.mirror.get(ev.Table, id); !exists {
			return r.escalate(ev, TriggerNotFoundOnDelete, &NotFoundOnReconcileError{Table: ev.Table, EventType: ev.EventType, ID: id})
		}
		return r.commit(ev, OpDelete, row)
	}

	return r.escalate(ev, TriggerMalformedEvent, &MalformedEventError{
		Table: ev.Table, EventType: ev.EventType,
		Err: fmt.Errorf("unrecognized event type %q", ev.EventType),
	})
}

func (r *Reconciler) commit(ev ChangeEvent, op Op, row Row) (Outcome, error) {
	if l, ok := row.(MedicationLog); ok {
		// Rows from other devices are already committed remotely.
		l.SyncState = SyncStateClean
		row = l
	}
	d := r.mirror.apply(op, row, OriginFeed)
	if !d.Accepted {
		return r.escalate(ev, TriggerMalformedEvent, r.malformed(ev, d.Err()))
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) malformed(ev ChangeEvent, err error) error {
	var missing *missingFieldsError
	if errors.As(err, &missing) {
		return &MalformedEventError{Table: ev.Table, EventType: ev.EventType, Missing: missing.fields}
	}
	return &MalformedEventError{Table: ev.Table, EventType: ev.EventType, Err: err}
}

func (r *Reconciler) escalate(ev ChangeEvent, source string, err error) (Outcome, error) {
	if r.escalator != nil && ev.Table.IsValid() {
		r.escalator.Trigger(ev.Table, source)
	} else if r.escalator != nil {
		for _, table := range Tables() {
			r.escalator.Trigger(table, source)
		}
	}
	return OutcomeEscalated, err
}

type missingFieldsError struct {
	fields []string
}

func (e *missingFieldsError) Error() string {
	return fmt.Sprintf("missing fields %v", e.fields)
}

// decodeRow checks required keys are present and non-empty, then decodes
// raw into T.
func decodeRow[T Row](raw json.RawMessage, required []string) (T, error) {
	var zero T
	if len(raw) == 0 {
		return zero, &missingFieldsError{fields: required}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return zero, fmt.Errorf("decode row: %w", err)
	}
	var missing []string
	for _, key := range required {
		v, ok := fields[key]
		if !ok || isEmptyJSON(v) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return zero, &missingFieldsError{fields: missing}
	}

	var row T
	if err := json.Unmarshal(raw, &row); err != nil {
		return zero, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}

func isEmptyJSON(v json.RawMessage) bool {
	switch string(v) {
	case "", "null", `""`:
		return true
	}
	return false
}
