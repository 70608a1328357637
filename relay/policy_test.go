// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nostrwire/relaycore/model"
)

func TestBootstrapPolicy(t *testing.T) {
	t.Parallel()

	policy := BootstrapPolicy()
	require.Equal(t, 10, policy.MaxClientFilters)
	require.Equal(t, 1000, policy.LimitPerFilter)
	require.Equal(t, int64(1), policy.FreeStorageValue)
	require.Equal(t, model.StorageUnitMB, policy.FreeStorageUnit)
	require.Equal(t, model.StorageActionPrune, policy.FullStorageAction)
}
