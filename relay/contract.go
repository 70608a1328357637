// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"context"
	"errors"

	"github.com/nostrwire/relaycore/database/query"
	"github.com/nostrwire/relaycore/model"
)

type (
	// Storage is the persistence collaborator. The engine only compiles
	// query specifications, all I/O happens behind this boundary.
	Storage interface {
		SaveEvent(ctx context.Context, relayID string, event *model.Event, supersede ...model.Filter) error
		HasEvent(ctx context.Context, relayID, id string) (bool, error)
		SoftDeleteEvents(ctx context.Context, relayID, ownerPubKey string, filters model.Filters) error
		SelectEvents(ctx context.Context, relayID string, subscription *model.Subscription) query.EventIterator
		StorageBytes(ctx context.Context, relayID string) (int64, error)
		EvictOldest(ctx context.Context, relayID string, maxBytes int64) ([]string, error)
	}

	// Sender is the opaque per-connection handle owned by the transport.
	// It doubles as the connection identity inside the registry.
	Sender interface {
		SendEvent(subscriptionID string, event *model.Event) error
		SendEOSE(subscriptionID string) error
	}

	// PaymentChecker answers "is this key paid up" for paid relays.
	PaymentChecker func(ctx context.Context, pubkey string) (bool, error)

	// Outcome is the terminal state of one ingested wire message.
	Outcome uint8
)

const (
	OutcomeRejected Outcome = iota
	OutcomeAccepted
	OutcomeDuplicate
)

var (
	ErrTooManyFilters    = errors.New("too many filters")
	ErrOutsideTimeWindow = errors.New("event created_at is outside the allowed time window")
	ErrNotAuthorized     = errors.New("author is not authorized")
	ErrQuotaExceeded     = errors.New("relay storage quota exceeded")
	ErrRateLimited       = errors.New("rate limit exceeded")
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}
