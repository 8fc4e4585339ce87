package events

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"haulledger.org/internal/obs"
)

// NewClient opens a Pub/Sub client. credentialsJSON is optional; without it
// Application Default Credentials are used.
func NewClient(ctx context.Context, projectID, credentialsJSON string) (*pubsub.Client, error) {
	if projectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	c, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return c, nil
}

// message is the part of *pubsub.Message the receiver settles.
type message interface {
	Ack()
	Nack()
}

// Receiver consumes a subscription with at-least-once semantics: a message is
// acked only after its event has been materialized.
type Receiver struct {
	sub        *pubsub.Subscription
	dispatcher *Dispatcher
}

// NewReceiver binds d to the named subscription. maxOutstanding bounds the
// number of events processed concurrently.
func NewReceiver(client *pubsub.Client, subscription string, maxOutstanding int, d *Dispatcher) *Receiver {
	sub := client.Subscription(subscription)
	if maxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}
	return &Receiver{sub: sub, dispatcher: d}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (r *Receiver) Run(ctx context.Context) error {
	err := r.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		r.dispatcher.settle(ctx, msg.ID, msg.Data, msg)
	})
	if err != nil {
		obs.LogError(obs.Logger(), "events", "Run", "Failed to receive messages", r.sub.ID(), err)
	}
	return err
}

func (d *Dispatcher) settle(ctx context.Context, id string, data []byte, msg message) {
	_, err := d.HandleRaw(ctx, data)
	switch {
	case err == nil:
		msg.Ack()
	case errors.Is(err, ErrMalformed):
		// Redelivery cannot fix these; drop them.
		obs.LogError(obs.Logger(), "events", "settle", "dropping malformed event", string(data), err)
		msg.Ack()
	default:
		obs.Logger().WithFields(logrus.Fields{
			"module":     "events",
			"message_id": id,
		}).Error("event processing failed: " + err.Error())
		msg.Nack()
	}
}
