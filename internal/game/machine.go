package game

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

const (
	eventSpin   = "spin"
	eventSettle = "settle"
	eventCancel = "cancel"
)

// newMachine builds the session lifecycle starting at status.
//
//	ACTIVE --spin--> SPINNING --settle--> COMPLETED
//	ACTIVE --cancel--> CANCELLED
func newMachine(status Status) *fsm.FSM {
	return fsm.NewFSM(
		string(status),
		fsm.Events{
			{Name: eventSpin, Src: []string{string(StatusActive)}, Dst: string(StatusSpinning)},
			{Name: eventSettle, Src: []string{string(StatusSpinning)}, Dst: string(StatusCompleted)},
			{Name: eventCancel, Src: []string{string(StatusActive)}, Dst: string(StatusCancelled)},
		},
		fsm.Callbacks{},
	)
}

// fire runs event on m and returns the new status. An event that is not
// allowed from the current state yields ErrSessionNotActive.
func fire(ctx context.Context, m *fsm.FSM, event string) (Status, error) {
	if !m.Can(event) {
		return Status(m.Current()), fmt.Errorf("cannot %s from %s: %w", event, m.Current(), ErrSessionNotActive)
	}
	if err := m.Event(ctx, event); err != nil {
		return Status(m.Current()), fmt.Errorf("%s: %w", event, err)
	}
	return Status(m.Current()), nil
}
