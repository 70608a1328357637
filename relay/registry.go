// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"

	"github.com/nostrwire/relaycore/model"
)

type (
	subscription struct {
		*model.Subscription
		SubscriptionID string
		sent           int
	}

	// Registry owns every live subscription. Connections never hold
	// filter state themselves, the transport only keeps the Sender
	// handle it registered with.
	Registry struct {
		cfg *model.ClientConfig

		mx           sync.Mutex
		subListeners map[Sender]map[string]*subscription
		limiters     map[Sender]*secondWindow
		now          func() time.Time
	}
)

func NewRegistry(cfg *model.ClientConfig) *Registry {
	return &Registry{
		cfg:          cfg,
		subListeners: make(map[Sender]map[string]*subscription),
		limiters:     make(map[Sender]*secondWindow),
		now:          time.Now,
	}
}

// Subscribe registers (or atomically replaces) the named subscription.
// Filter limits are clamped to policy before they are stored, so the
// fan-out path never consults policy again.
func (r *Registry) Subscribe(sender Sender, subscriptionID string, filters model.Filters) error {
	if maxFilters := r.cfg.MaxClientFilters; maxFilters > 0 && len(filters) > maxFilters {
		return errors.Wrapf(ErrTooManyFilters, "%d filters requested, %d allowed", len(filters), maxFilters)
	}

	clamped := make(model.Filters, len(filters))
	copy(clamped, filters)
	for idx := range clamped {
		clamped[idx].Limit = r.cfg.ClampLimit(clamped[idx].Limit)
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	subsFromCurrConnection, ok := r.subListeners[sender]
	if !ok {
		subsFromCurrConnection = make(map[string]*subscription)
		r.subListeners[sender] = subsFromCurrConnection
	}
	subsFromCurrConnection[subscriptionID] = &subscription{
		Subscription:   &model.Subscription{Filters: clamped},
		SubscriptionID: subscriptionID,
	}

	return nil
}

// Unsubscribe is idempotent: dropping an unknown id is a no-op.
func (r *Registry) Unsubscribe(sender Sender, subscriptionID string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if subs, found := r.subListeners[sender]; found {
		delete(subs, subscriptionID)
		if len(subs) == 0 {
			delete(r.subListeners, sender)
		}
	}
}

// UnsubscribeAll removes every subscription of a closing connection.
// Once it returns no broadcast iteration can observe the connection.
func (r *Registry) UnsubscribeAll(sender Sender) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.subListeners, sender)
	delete(r.limiters, sender)
}

// Broadcast delivers the event at most once per matching subscription:
// filters within one subscription are ORed, the first matching filter
// with result-cap headroom wins. Connections over their per-second
// budget are skipped, not queued.
func (r *Registry) Broadcast(event *model.Event) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	var mErr *multierror.Error
	now := r.now()
	for sender, subs := range r.subListeners {
		for _, sub := range subs {
			for idx := range sub.Filters {
				if !model.FilterMatches(&sub.Filters[idx], event) {
					continue
				}
				if limit := sub.Filters[idx].Limit; limit > 0 && sub.sent >= limit {
					continue
				}
				if !r.limiter(sender).allow(now, r.cfg.MaxEventsPerSecond) {
					break
				}
				if err := sender.SendEvent(sub.SubscriptionID, event); err != nil {
					mErr = multierror.Append(mErr, errors.Wrapf(err, "failed to deliver event %q to subscription %q", event.ID, sub.SubscriptionID))
					break
				}
				sub.sent++
				break
			}
		}
	}

	return mErr.ErrorOrNil()
}

// PushStored delivers one historical query result and counts it toward
// the subscription's result cap. The caller already matched the event.
func (r *Registry) PushStored(sender Sender, subscriptionID string, event *model.Event) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	subs, found := r.subListeners[sender]
	if !found {
		return nil
	}
	sub, found := subs[subscriptionID]
	if !found {
		return nil
	}

	if err := sender.SendEvent(subscriptionID, event); err != nil {
		return errors.Wrapf(err, "failed to deliver stored event %q to subscription %q", event.ID, subscriptionID)
	}
	sub.sent++

	return nil
}

// Drain removes every subscription of every connection.
func (r *Registry) Drain() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.subListeners = make(map[Sender]map[string]*subscription)
	r.limiters = make(map[Sender]*secondWindow)
}

// SubscriptionCount is a teardown/diagnostics helper.
func (r *Registry) SubscriptionCount(sender Sender) int {
	r.mx.Lock()
	defer r.mx.Unlock()

	return len(r.subListeners[sender])
}

func (r *Registry) limiter(sender Sender) *secondWindow {
	limiter, found := r.limiters[sender]
	if !found {
		limiter = new(secondWindow)
		r.limiters[sender] = limiter
	}

	return limiter
}
