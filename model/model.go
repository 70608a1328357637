// SPDX-License-Identifier: ice License 1.0

package model

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

type (
	TagMap    = nostr.TagMap
	Tag       = nostr.Tag
	Tags      = nostr.Tags
	Timestamp = nostr.Timestamp
	Kind      = int
	Filter    = nostr.Filter
	Filters   = nostr.Filters

	Subscription struct {
		Filters Filters
	}

	EventReference interface {
		Filter() Filter
	}
	ReplaceableEventReference struct {
		PubKey string
		DTag   string
		Kind   int
	}
	PlainEventReference struct {
		EventIDs []string
	}
)

var (
	ErrDuplicate        = errors.New("duplicate event")
	ErrInvalidID        = errors.New("invalid event id")
	ErrInvalidPubKey    = errors.New("invalid event pubkey")
	ErrInvalidSignature = errors.New("invalid event signature")
)

const (
	kindEphemeralRangeStart Kind = 20000
	kindEphemeralRangeEnd   Kind = 30000
)
