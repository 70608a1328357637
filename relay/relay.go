// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"

	"github.com/nostrwire/relaycore/model"
)

// Engine is one relay's protocol engine: it owns the subscription
// registry and the ingest pipeline and dispatches parsed wire messages.
// The transport owns connections and only hands over Sender handles.
type Engine struct {
	relay    *model.Relay
	registry *Registry
	pipeline *Pipeline
	store    Storage

	ingestLimitersMx sync.Mutex
	ingestLimiters   map[Sender]*secondWindow
	now              func() time.Time
}

func NewEngine(relay *model.Relay, store Storage, isPaid PaymentChecker) *Engine {
	registry := NewRegistry(&relay.Config.ClientConfig)

	return &Engine{
		relay:          relay,
		registry:       registry,
		pipeline:       NewPipeline(relay.ID, &relay.Config, store, registry, isPaid),
		store:          store,
		ingestLimiters: make(map[Sender]*secondWindow),
		now:            time.Now,
	}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// Info is the static self-description document served to clients.
func (e *Engine) Info() nip11.RelayInformationDocument {
	return e.relay.Info()
}

// HandleMessage parses one raw wire message from the connection and
// dispatches it. Parse failures are reported, the connection stays
// open.
func (e *Engine) HandleMessage(ctx context.Context, sender Sender, message []byte) (Outcome, error) {
	input, err := model.ParseMessage(message)
	if err != nil {
		return OutcomeRejected, errors.Wrap(err, "failed to parse message")
	}

	switch envelope := input.(type) {
	case *nostr.EventEnvelope:
		return e.HandleEvent(ctx, sender, &model.Event{Event: envelope.Event})
	case *model.ReqEnvelope:
		if err = e.HandleReq(ctx, sender, envelope.SubscriptionID, envelope.Filters); err != nil {
			return OutcomeRejected, err
		}

		return OutcomeAccepted, nil
	case *nostr.CloseEnvelope:
		e.HandleClose(sender, string(*envelope))

		return OutcomeAccepted, nil
	default:
		return OutcomeRejected, errors.Wrapf(model.ErrUnknownMessage, "unhandled message type %v", input.Label())
	}
}

// HandleEvent runs the publisher's per-connection rate limit, then the
// ingest pipeline. Events over budget are dropped without touching the
// pipeline.
func (e *Engine) HandleEvent(ctx context.Context, sender Sender, event *model.Event) (Outcome, error) {
	if sender != nil && !e.allowIngest(sender) {
		return OutcomeRejected, errors.Wrapf(ErrRateLimited, "publisher over %d events per second", e.relay.Config.MaxEventsPerSecond)
	}

	return e.pipeline.AcceptEvent(ctx, event)
}

// HandleReq registers the subscription, replays matching stored events
// and marks the end of them. Live matches follow until unsubscribed.
func (e *Engine) HandleReq(ctx context.Context, sender Sender, subscriptionID string, filters model.Filters) error {
	if err := e.registry.Subscribe(sender, subscriptionID, filters); err != nil {
		return errors.Wrapf(err, "failed to subscribe %q", subscriptionID)
	}

	clamped := make(model.Filters, len(filters))
	copy(clamped, filters)
	for idx := range clamped {
		clamped[idx].Limit = e.relay.Config.ClampLimit(clamped[idx].Limit)
	}

	var mErr *multierror.Error
	sub := &model.Subscription{Filters: clamped}
	for event, err := range e.store.SelectEvents(ctx, e.relay.ID, sub) {
		if err != nil {
			mErr = multierror.Append(mErr, errors.Wrapf(err, "failed to query events for subscription %q", subscriptionID))
			break
		}
		if err = e.registry.PushStored(sender, subscriptionID, event); err != nil {
			mErr = multierror.Append(mErr, err)
			break
		}
	}

	if err := sender.SendEOSE(subscriptionID); err != nil {
		mErr = multierror.Append(mErr, errors.Wrapf(err, "failed to send EOSE for subscription %q", subscriptionID))
	}

	return mErr.ErrorOrNil()
}

// HandleClose drops one subscription; idempotent.
func (e *Engine) HandleClose(sender Sender, subscriptionID string) {
	e.registry.Unsubscribe(sender, subscriptionID)
}

// Disconnect tears down everything the connection registered. After it
// returns no broadcast can observe the connection.
func (e *Engine) Disconnect(sender Sender) {
	e.registry.UnsubscribeAll(sender)

	e.ingestLimitersMx.Lock()
	delete(e.ingestLimiters, sender)
	e.ingestLimitersMx.Unlock()
}

// Shutdown drains every connection at relay teardown.
func (e *Engine) Shutdown() {
	e.registry.Drain()

	e.ingestLimitersMx.Lock()
	e.ingestLimiters = make(map[Sender]*secondWindow)
	e.ingestLimitersMx.Unlock()
	log.Printf("relay %q engine stopped", e.relay.ID)
}

// AckMessage renders the OK acknowledgement for one handled EVENT
// message. Duplicates acknowledge positively.
func AckMessage(eventID string, outcome Outcome, err error) string {
	reason := ""
	if err != nil {
		reason = err.Error()
	}

	return model.OKMessage(eventID, outcome != OutcomeRejected, reason)
}

func (e *Engine) allowIngest(sender Sender) bool {
	e.ingestLimitersMx.Lock()
	defer e.ingestLimitersMx.Unlock()

	limiter, found := e.ingestLimiters[sender]
	if !found {
		limiter = new(secondWindow)
		e.ingestLimiters[sender] = limiter
	}

	return limiter.allow(e.now(), e.relay.Config.MaxEventsPerSecond)
}
