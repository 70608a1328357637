// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/nostrwire/relaycore/model"
)

// Pipeline validates, authorizes, deduplicates and persists incoming
// events, then fans them out. Rejections never leave partial state
// behind: nothing is persisted or broadcast before every check passed.
type Pipeline struct {
	relayID  string
	cfg      *model.RelayConfig
	store    Storage
	registry *Registry
	isPaid   PaymentChecker

	// quotaMx serializes the duplicate and quota check-then-act with
	// the persist, so two ingests cannot both miss the duplicate or
	// both observe headroom and write past it.
	quotaMx sync.Mutex
	now     func() time.Time
}

func NewPipeline(relayID string, cfg *model.RelayConfig, store Storage, registry *Registry, isPaid PaymentChecker) *Pipeline {
	return &Pipeline{
		relayID:  relayID,
		cfg:      cfg,
		store:    store,
		registry: registry,
		isPaid:   isPaid,
		now:      time.Now,
	}
}

func (p *Pipeline) AcceptEvent(ctx context.Context, event *model.Event) (Outcome, error) {
	if err := event.Validate(); err != nil {
		return OutcomeRejected, err
	}

	minAllowed, maxAllowed := p.cfg.CreatedAtWindow(p.now())
	if event.CreatedAt < minAllowed || event.CreatedAt > maxAllowed {
		return OutcomeRejected, errors.Wrapf(ErrOutsideTimeWindow,
			"created_at %d is not within [%d, %d]", event.CreatedAt, minAllowed, maxAllowed)
	}

	if !p.cfg.IsAuthorAllowed(event.PubKey) {
		return OutcomeRejected, errors.Wrapf(ErrNotAuthorized, "pubkey %q is blocked or not allowed", event.PubKey)
	}
	if p.cfg.IsPaidRelay && p.isPaid != nil {
		paid, err := p.isPaid(ctx, event.PubKey)
		if err != nil {
			return OutcomeRejected, errors.Wrapf(err, "failed to check payment for %q", event.PubKey)
		}
		if !paid {
			return OutcomeRejected, errors.Wrapf(ErrNotAuthorized, "pubkey %q has not paid", event.PubKey)
		}
	}

	if event.IsEphemeral() {
		// Ephemeral kinds are fanned out but never touch storage.
		return OutcomeAccepted, errors.Wrapf(p.registry.Broadcast(event), "failed to broadcast ephemeral event %q", event.ID)
	}

	supersede, err := p.tombstonedBy(event)
	if err != nil {
		return OutcomeRejected, err
	}

	p.quotaMx.Lock()
	defer p.quotaMx.Unlock()
	duplicate, err := p.store.HasEvent(ctx, p.relayID, event.ID)
	if err != nil {
		return OutcomeRejected, errors.Wrapf(err, "failed to check for duplicate of %q", event.ID)
	}
	if duplicate {
		// Idempotent accept: no re-persist, no re-fan-out.
		return OutcomeDuplicate, nil
	}
	if err = p.enforceStorageQuota(ctx, event.SizeBytes()); err != nil {
		return OutcomeRejected, err
	}
	if err = p.store.SaveEvent(ctx, p.relayID, event, supersede...); err != nil {
		return OutcomeRejected, errors.Wrapf(err, "failed to persist event %q", event.ID)
	}

	// Still under quotaMx: accepted events reach every connection in
	// acceptance order.
	return OutcomeAccepted, errors.Wrapf(p.registry.Broadcast(event), "failed to broadcast event %q", event.ID)
}

// tombstonedBy lists the prior events this one supersedes: the older
// (pubkey, kind) instance for replaceable kinds, the referenced events
// it can prove ownership of for delete requests. The tombstones are
// applied inside the persist transaction, so a rejection or a failed
// persist leaves them untouched.
func (p *Pipeline) tombstonedBy(event *model.Event) (model.Filters, error) {
	var filters model.Filters
	if event.IsReplaceable() {
		filters = append(filters, model.Filter{Kinds: []int{event.Kind}, Authors: []string{event.PubKey}})
	}
	if event.IsDeleteRequest() {
		refs, err := model.ParseEventReference(event.Tags)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse delete request targets of %q", event.ID)
		}
		for _, ref := range refs {
			filters = append(filters, ref.Filter())
		}
	}

	return filters, nil
}

func (p *Pipeline) enforceStorageQuota(ctx context.Context, incomingBytes int64) error {
	quota := p.cfg.StorageQuotaBytes()
	if quota <= 0 {
		return nil
	}
	if incomingBytes > quota {
		// Pruning the entire store would still not make room.
		return errors.Wrapf(ErrQuotaExceeded, "event of %d bytes can never fit %d quota", incomingBytes, quota)
	}

	used, err := p.store.StorageBytes(ctx, p.relayID)
	if err != nil {
		return errors.Wrap(err, "failed to read used storage")
	}
	if used+incomingBytes <= quota {
		return nil
	}

	if p.cfg.FullStorageAction != model.StorageActionPrune {
		return errors.Wrapf(ErrQuotaExceeded, "%d used + %d incoming > %d quota", used, incomingBytes, quota)
	}

	evicted, err := p.store.EvictOldest(ctx, p.relayID, quota-incomingBytes)
	if err != nil {
		return errors.Wrap(err, "failed to evict oldest events")
	}
	if len(evicted) > 0 {
		return nil
	}

	// Nothing left to evict and still no headroom.
	return errors.Wrapf(ErrQuotaExceeded, "cannot free %d bytes under %d quota", incomingBytes, quota)
}
