// SPDX-License-Identifier: ice License 1.0

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
)

type Event struct {
	nostr.Event
}

// Validate recomputes the event id from the canonical serialization and
// verifies the BIP-340 signature. It never touches storage and must be
// called before an event is persisted or broadcast.
func (e *Event) Validate() error {
	hash := sha256.Sum256(e.Serialize())
	if id := hex.EncodeToString(hash[:]); id != e.ID {
		return errors.Wrapf(ErrInvalidID, "expected %q, got %q", id, e.ID)
	}

	pubKey, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return errors.Wrapf(ErrInvalidPubKey, "pubkey %q is invalid hex", e.PubKey)
	}
	if len(pubKey) != 32 {
		return errors.Wrapf(ErrInvalidPubKey, "pubkey %q is not a 32-byte x-only key", e.PubKey)
	}

	ok, err := e.Event.CheckSignature()
	if err != nil {
		return errors.Wrapf(ErrInvalidSignature, "signature %q: %v", e.Sig, err)
	}
	if !ok {
		return errors.Wrapf(ErrInvalidSignature, "signature %q for event %q", e.Sig, e.ID)
	}

	return nil
}

// SizeBytes is the byte length of the JSON-encoded event, the unit the
// storage quota is accounted in.
func (e *Event) SizeBytes() int64 {
	data, err := json.Marshal(&e.Event)
	if err != nil {
		return 0
	}

	return int64(len(data))
}

func (e *Event) IsReplaceable() bool {
	return e.Kind == nostr.KindProfileMetadata || e.Kind == nostr.KindFollowList
}

func (e *Event) IsDeleteRequest() bool {
	return e.Kind == nostr.KindDeletion
}

func (e *Event) IsEphemeral() bool {
	return kindEphemeralRangeStart <= e.Kind && e.Kind < kindEphemeralRangeEnd
}

func (e *Event) GetTag(tagName string) Tag {
	for _, tag := range e.Tags {
		if tag.Key() == tagName {
			return tag
		}
	}

	return nil
}
