package model

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// Lifecycle states, untyped so they pass as statekit.StateID. Attempting is
// transient and never stored on a record.
const (
	statePending         = "pending"
	stateAttempting      = "attempting"
	stateDelivered       = "delivered"
	stateFailedRetryable = "failed_retryable"
	stateRetrying        = "retrying"
	stateFailedTerminal  = "failed_terminal"
)

const (
	eventAttempt  = "attempt"
	eventSucceed  = "succeed"
	eventFail     = "fail"
	eventGiveUp   = "give_up"
	eventSchedule = "schedule"
)

func init() {
	stored := map[string]DeliveryStatus{
		statePending:         DeliveryPending,
		stateDelivered:       DeliveryDelivered,
		stateFailedRetryable: DeliveryFailedRetryable,
		stateRetrying:        DeliveryRetrying,
		stateFailedTerminal:  DeliveryFailedTerminal,
	}
	for state, status := range stored {
		if state != string(status) {
			panic(fmt.Sprintf("lifecycle state %q does not match delivery status %q", state, status))
		}
	}
}

type lifecycleContext struct {
	Status DeliveryStatus
}

// DeliveryLifecycle drives one delivery record through
// pending -> attempting -> delivered, failed_retryable or failed_terminal,
// and failed_retryable -> retrying -> attempting.
type DeliveryLifecycle struct {
	interpreter *statekit.Interpreter[lifecycleContext]
}

func NewDeliveryLifecycle(initial DeliveryStatus) (*DeliveryLifecycle, error) {
	if !initial.Valid() {
		return nil, fmt.Errorf("delivery lifecycle: unknown status %q", initial)
	}

	builder := statekit.NewMachine[lifecycleContext]("delivery-lifecycle").
		WithInitial(statekit.StateID(initial)).
		WithContext(lifecycleContext{Status: initial})

	builder.State(statePending).
		On(eventAttempt).Target(stateAttempting).
		Done()

	builder.State(stateAttempting).
		On(eventSucceed).Target(stateDelivered).
		On(eventFail).Target(stateFailedRetryable).
		On(eventGiveUp).Target(stateFailedTerminal).
		Done()

	builder.State(stateFailedRetryable).
		On(eventSchedule).Target(stateRetrying).
		Done()

	builder.State(stateRetrying).
		On(eventAttempt).Target(stateAttempting).
		Done()

	// final: no outgoing transitions
	builder.State(stateDelivered).Done()
	builder.State(stateFailedTerminal).Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("delivery lifecycle: build: %w", err)
	}

	interpreter := statekit.NewInterpreter(machine)
	interpreter.Start()
	return &DeliveryLifecycle{interpreter: interpreter}, nil
}

func (l *DeliveryLifecycle) Current() string {
	return string(l.interpreter.State().Value)
}

// Fire sends event and fails when the current state does not accept it.
func (l *DeliveryLifecycle) Fire(event string) error {
	before := l.Current()
	l.interpreter.Send(statekit.Event{Type: statekit.EventType(event)})
	if l.Current() == before {
		return fmt.Errorf("%w: %q not accepted in %s", ErrInvalidTransition, event, before)
	}
	return nil
}

// MoveTo fires the events that take the record to next, passing through
// attempting when next is the outcome of an attempt.
func (l *DeliveryLifecycle) MoveTo(next DeliveryStatus) error {
	var event string
	switch next {
	case DeliveryDelivered:
		event = eventSucceed
	case DeliveryFailedRetryable:
		event = eventFail
	case DeliveryFailedTerminal:
		event = eventGiveUp
	case DeliveryRetrying:
		event = eventSchedule
	default:
		return fmt.Errorf("%w: nothing moves a record to %s", ErrInvalidTransition, next)
	}
	if event != eventSchedule && l.Current() != stateAttempting {
		if err := l.Fire(eventAttempt); err != nil {
			return err
		}
	}
	return l.Fire(event)
}
