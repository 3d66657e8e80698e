package syncer

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// Status is the observable state of the coordinator.
type Status string

// Coordinator states. The machine starts idle and never terminates; Destroy
// returns it to idle.
const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusChanged Status = "changed"
	StatusPaused  Status = "paused"
	StatusNeeded  Status = "needed"
	StatusError   Status = "error"
	StatusDenied  Status = "denied"
)

// AllStatuses lists every state, in display order.
var AllStatuses = []Status{
	StatusIdle, StatusActive, StatusChanged, StatusPaused,
	StatusNeeded, StatusError, StatusDenied,
}

func (s Status) String() string { return string(s) }

// IsActive reports whether a replication is in flight.
func (s Status) IsActive() bool { return s == StatusActive }

// IsOK reports a caught-up state.
func (s Status) IsOK() bool { return s == StatusPaused || s == StatusChanged }

// IsError reports a failed or rejected replication.
func (s Status) IsError() bool { return s == StatusError || s == StatusDenied }

// IsNeeded reports unpushed local changes.
func (s Status) IsNeeded() bool { return s == StatusNeeded }

// IsIdle reports that nothing is running.
func (s Status) IsIdle() bool { return s == StatusIdle }

// Label is the user-facing wording shown by the field application.
func (s Status) Label() string {
	switch s {
	case StatusPaused, StatusChanged:
		return "Synchronisation à jour"
	case StatusActive:
		return "Synchronisation en cours"
	case StatusError:
		return "Erreur de synchronisation"
	case StatusDenied:
		return "Accès refusé"
	default:
		return "Synchronisation requise"
	}
}

// CSSClass is the icon class for the status indicator.
func (s Status) CSSClass() string {
	switch s {
	case StatusActive:
		return "fa-sync-alt fa-spin sync-active"
	case StatusPaused, StatusChanged:
		return "fa-check-circle sync-ok"
	case StatusError, StatusDenied:
		return "fa-times-circle sync-error"
	case StatusNeeded:
		return "fa-exclamation-triangle sync-needed"
	default:
		return "fa-circle sync-idle"
	}
}

// ContainerClass is the class of the element wrapping the indicator.
func (s Status) ContainerClass() string {
	switch s {
	case StatusActive:
		return "sync-active"
	case StatusPaused, StatusChanged:
		return "sync-ok"
	case StatusError, StatusDenied:
		return "sync-error"
	case StatusNeeded:
		return "sync-needed"
	default:
		return "sync-idle"
	}
}

// Machine events.
const (
	eventStart  = "start"
	eventChange = "change"
	eventPause  = "pause"
	eventNeed   = "need"
	eventFail   = "fail"
	eventDeny   = "deny"
	eventStop   = "stop"
)

func statusNames(ss ...Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}

	return out
}

// machine wraps the status FSM. onEnter runs on every state change, after
// the FSM has committed the new state.
type machine struct {
	fsm *fsm.FSM
}

func newMachine(onEnter func(from, to Status)) *machine {
	every := statusNames(AllStatuses...)

	events := fsm.Events{
		{Name: eventStart, Src: every, Dst: string(StatusActive)},
		{Name: eventChange, Src: statusNames(StatusActive, StatusChanged), Dst: string(StatusChanged)},
		{Name: eventPause, Src: every, Dst: string(StatusPaused)},
		{Name: eventNeed, Src: every, Dst: string(StatusNeeded)},
		{Name: eventFail, Src: every, Dst: string(StatusError)},
		{Name: eventDeny, Src: every, Dst: string(StatusDenied)},
		{Name: eventStop, Src: every, Dst: string(StatusIdle)},
	}

	return &machine{
		fsm: fsm.NewFSM(string(StatusIdle), events, fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(Status(e.Src), Status(e.Dst))
			},
		}),
	}
}

// fire applies event. Re-entering the current state is not an error.
func (m *machine) fire(event string) error {
	err := m.fsm.Event(context.Background(), event)

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}

	return err
}

func (m *machine) current() Status {
	return Status(m.fsm.Current())
}
