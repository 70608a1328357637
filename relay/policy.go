// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"github.com/nostrwire/relaycore/cfg"
	"github.com/nostrwire/relaycore/model"
)

type config struct {
	DefaultPolicy model.RelayConfig `mapstructure:"defaultPolicy"`
}

// BootstrapPolicy is the policy applied to relay records created on
// first start: the `relay` yaml section when the operator configured
// one, library defaults otherwise.
func BootstrapPolicy() *model.RelayConfig {
	if !cfg.Has[config]() {
		return model.DefaultRelayConfig()
	}

	return &cfg.MustGet[config]().DefaultPolicy
}
