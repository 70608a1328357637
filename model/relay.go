// SPDX-License-Identifier: ice License 1.0

package model

import (
	"github.com/nbd-wtf/go-nostr/nip11"
)

// Relay is one hosted relay. Config is persisted separately as a JSON
// blob next to the record, not inside the row itself.
type Relay struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PubKey      string `json:"pubkey"`
	Contact     string `json:"contact"`
	Active      bool   `json:"active"`

	Config RelayConfig `json:"-"`
}

const (
	softwareName    = "relaycore"
	softwareVersion = "1.0.0"
)

// Info is the relay self-description document handed to the transport
// layer, built from the client-visible policy layer only.
func (r *Relay) Info() nip11.RelayInformationDocument {
	view := r.Config.ClientView()

	return nip11.RelayInformationDocument{
		Name:          r.Name,
		Description:   r.Description,
		PubKey:        r.PubKey,
		Contact:       r.Contact,
		SupportedNIPs: []int{1, 9, 11, 15, 20, 22},
		Software:      softwareName,
		Version:       softwareVersion,
		Limitation: &nip11.RelayLimitationDocument{
			MaxFilters:      view.MaxClientFilters,
			MaxLimit:        view.ClampLimit(0),
			PaymentRequired: view.IsPaidRelay,
		},
	}
}
