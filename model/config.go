// SPDX-License-Identifier: ice License 1.0

package model

import (
	"math"
	"slices"
	"time"
)

type (
	// ClientConfig is the client-visible relay policy: everything here
	// may be advertised to connecting clients.
	ClientConfig struct {
		MaxClientFilters   int `json:"maxClientFilters"`
		LimitPerFilter     int `json:"limitPerFilter"`
		MaxEventsPerSecond int `json:"maxEventsPerSecond"`

		CreatedAtDaysPast    int64 `json:"createdAtDaysPast"`
		CreatedAtHoursPast   int64 `json:"createdAtHoursPast"`
		CreatedAtMinutesPast int64 `json:"createdAtMinutesPast"`
		CreatedAtSecondsPast int64 `json:"createdAtSecondsPast"`

		CreatedAtDaysFuture    int64 `json:"createdAtDaysFuture"`
		CreatedAtHoursFuture   int64 `json:"createdAtHoursFuture"`
		CreatedAtMinutesFuture int64 `json:"createdAtMinutesFuture"`
		CreatedAtSecondsFuture int64 `json:"createdAtSecondsFuture"`

		IsPaidRelay       bool   `json:"isPaidRelay"`
		FreeStorageValue  int64  `json:"freeStorageValue"`
		FreeStorageUnit   string `json:"freeStorageUnit"`
		FullStorageAction string `json:"fullStorageAction"`

		AllowedPublicKeys []string `json:"allowedPublicKeys"`
		BlockedPublicKeys []string `json:"blockedPublicKeys"`
	}

	// RelayConfig is the relay-private superset. It is persisted as the
	// per-relay config blob and must never be rendered to clients
	// verbatim, use ClientView for that.
	RelayConfig struct {
		ClientConfig `mapstructure:",squash"`

		Wallet     string `json:"wallet"`
		CostToJoin int64  `json:"costToJoin"`

		FreeStorage      int64  `json:"freeStorage"`
		StorageCostValue int64  `json:"storageCostValue"`
		StorageCostUnit  string `json:"storageCostUnit"`
	}
)

const (
	StorageActionPrune = "prune"
	StorageUnitMB      = "MB"

	defaultLimitPerFilter = 1000
)

func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		ClientConfig: ClientConfig{
			LimitPerFilter:    defaultLimitPerFilter,
			FreeStorageValue:  1,
			FreeStorageUnit:   StorageUnitMB,
			FullStorageAction: StorageActionPrune,
		},
	}
}

// IsAuthorAllowed evaluates the block-list first, then the allow-list.
// An empty allow-list imposes no restriction beyond the block-list.
// Payment gating is a separate concern decided by the payment
// collaborator, not here.
func (c *ClientConfig) IsAuthorAllowed(pubkey string) bool {
	if slices.Contains(c.BlockedPublicKeys, pubkey) {
		return false
	}
	if len(c.AllowedPublicKeys) == 0 {
		return true
	}

	return slices.Contains(c.AllowedPublicKeys, pubkey)
}

func (c *ClientConfig) CreatedAtInPast() int64 {
	return c.CreatedAtDaysPast*86400 + c.CreatedAtHoursPast*3600 + c.CreatedAtMinutesPast*60 + c.CreatedAtSecondsPast
}

func (c *ClientConfig) CreatedAtInFuture() int64 {
	return c.CreatedAtDaysFuture*86400 + c.CreatedAtHoursFuture*3600 + c.CreatedAtMinutesFuture*60 + c.CreatedAtSecondsFuture
}

// CreatedAtWindow is the accepted created_at range relative to now.
// A zero offset leaves that side of the window unbounded.
func (c *ClientConfig) CreatedAtWindow(now time.Time) (minAllowed, maxAllowed Timestamp) {
	minAllowed = 0
	maxAllowed = Timestamp(math.MaxInt64)
	if past := c.CreatedAtInPast(); past > 0 {
		minAllowed = Timestamp(now.Unix() - past)
	}
	if future := c.CreatedAtInFuture(); future > 0 {
		maxAllowed = Timestamp(now.Unix() + future)
	}

	return minAllowed, maxAllowed
}

// ClampLimit caps a requested per-filter result limit to the
// configured maximum, substituting the maximum when the request is
// absent or non-positive.
func (c *ClientConfig) ClampLimit(requested int) int {
	maxLimit := c.LimitPerFilter
	if maxLimit <= 0 {
		maxLimit = defaultLimitPerFilter
	}
	if requested <= 0 || requested > maxLimit {
		return maxLimit
	}

	return requested
}

// StorageQuotaBytes converts the configured free-storage allowance into
// bytes. The base unit is KB, 1024-based.
func (c *ClientConfig) StorageQuotaBytes() int64 {
	value := c.FreeStorageValue * 1024
	if c.FreeStorageUnit == StorageUnitMB {
		value *= 1024
	}

	return value
}

// ClientView is the public rendering of the policy: a copy of the
// client-visible layer only.
func (c *RelayConfig) ClientView() *ClientConfig {
	view := c.ClientConfig

	return &view
}
