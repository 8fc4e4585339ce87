package stream

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"haulledger.org/internal/ledger"
)

// BalanceChange describes one materialized movement of a ledger balance.
type BalanceChange struct {
	Account        ledger.AccountKey `json:"account"`
	OrganizationID string            `json:"organizationId"`
	TransactionID  string            `json:"transactionId,omitempty"`
	Action         string            `json:"action"`
	Before         decimal.Decimal   `json:"balanceBefore"`
	After          decimal.Decimal   `json:"balanceAfter"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Stream fan-outs balance changes to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ch  chan BalanceChange
	org string
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// changes of organization org, or of every organization when org is empty.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, org string) <-chan BalanceChange {
	ch := make(chan BalanceChange, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, org: org}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the change to all matching subscribers.
func (s *Stream) Publish(evt BalanceChange) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.org != "" && sub.org != evt.OrganizationID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
