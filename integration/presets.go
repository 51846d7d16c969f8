// Package integration provides named epochconfig presets and the small
// helpers that select/merge between them, the way the teacher's launcher
// assembled a node's rule set from a named network preset plus CLI
// overrides before construction.
package integration

import (
	"fmt"

	"github.com/wkarshat/nearcore/epochconfig"
)

// NewResolver builds the epochconfig.Resolver for name ("mainnet", "testnet",
// "fakenet"), the set an epochmgr.Manager is constructed with.
func NewResolver(name string) (*epochconfig.Resolver, error) {
	switch name {
	case "mainnet":
		return epochconfig.NewResolver(epochconfig.MainnetConfig()), nil
	case "testnet":
		return epochconfig.NewResolver(epochconfig.TestnetConfig()), nil
	case "fakenet":
		return epochconfig.NewResolver(epochconfig.FakenetConfig()), nil
	default:
		return nil, fmt.Errorf("integration: unknown preset %q (valid: mainnet, testnet, fakenet)", name)
	}
}

// ScenarioConfig returns the fakenet configuration with overrides applied
// (nil overrides leave it unchanged).
func ScenarioConfig(overrides func(*epochconfig.Config)) epochconfig.Config {
	cfg := epochconfig.FakenetConfig()
	if overrides != nil {
		overrides(&cfg)
	}
	return cfg
}
