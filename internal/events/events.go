// Package events turns transaction lifecycle events into materializer calls.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"haulledger.org/internal/ledger"
	"haulledger.org/internal/materializer"
	"haulledger.org/internal/obs"
)

type Action string

const (
	ActionCreated Action = "created"
	ActionDeleted Action = "deleted"
)

// Event is the payload published when a transaction record is created or
// deleted. The record itself is already in the log; the event carries a copy.
type Event struct {
	ID          string             `json:"eventId,omitempty"`
	Action      Action             `json:"action"`
	Transaction ledger.Transaction `json:"transaction"`
}

// ErrMalformed marks events that can never succeed. Receivers drop them.
var ErrMalformed = errors.New("events: malformed event")

// Decode parses and checks a raw payload.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	e.Action = Action(strings.ToLower(strings.TrimSpace(string(e.Action))))
	switch e.Action {
	case ActionCreated, ActionDeleted:
	default:
		return Event{}, fmt.Errorf("%w: unknown action %q", ErrMalformed, e.Action)
	}
	return e, nil
}

// Materializer is implemented by *materializer.Materializer.
type Materializer interface {
	Apply(ctx context.Context, t ledger.Transaction) (materializer.Result, error)
	Reverse(ctx context.Context, t ledger.Transaction) (materializer.Result, error)
}

type Dispatcher struct {
	m Materializer
}

func NewDispatcher(m Materializer) *Dispatcher {
	return &Dispatcher{m: m}
}

// Handle routes created events to Apply and deleted events to Reverse.
// Transactions that fail validation are reported as ErrMalformed.
func (d *Dispatcher) Handle(ctx context.Context, e Event) (materializer.Result, error) {
	var (
		res materializer.Result
		err error
	)
	switch e.Action {
	case ActionCreated:
		res, err = d.m.Apply(ctx, e.Transaction)
	case ActionDeleted:
		res, err = d.m.Reverse(ctx, e.Transaction)
	default:
		return res, fmt.Errorf("%w: unknown action %q", ErrMalformed, e.Action)
	}
	if errors.Is(err, ledger.ErrInvalidTransaction) {
		return res, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err == nil && res.Anomaly {
		obs.Warn("events", "Handle", "delete event for a ledger that does not exist", logrus.Fields{
			"eventId":       e.ID,
			"transactionId": e.Transaction.ID,
		})
	}
	return res, err
}

// HandleRaw decodes data and handles the event.
func (d *Dispatcher) HandleRaw(ctx context.Context, data []byte) (materializer.Result, error) {
	e, err := Decode(data)
	if err != nil {
		return materializer.Result{}, err
	}
	return d.Handle(ctx, e)
}
