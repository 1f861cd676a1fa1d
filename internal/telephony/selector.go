package telephony

import (
	"fmt"

	"github.com/acme/campaign-dispatch/internal/config"
)

// Selector picks the vendor adapter for a dispatch run. Selection happens
// once per run, not per call, so every placement in one run uses the same
// vendor.
type Selector struct {
	primary     Adapter
	fallback    Adapter
	primaryCfg  config.ProviderConfig
	fallbackCfg config.ProviderConfig
}

// NewSelector builds a selector over the configured adapters. Either adapter
// may be nil when its vendor is not deployed.
func NewSelector(primary, fallback Adapter, cfg config.ProvidersConfig) *Selector {
	return &Selector{
		primary:     primary,
		fallback:    fallback,
		primaryCfg:  cfg.Primary,
		fallbackCfg: cfg.Fallback,
	}
}

// Resolve returns the adapter to use for the campaign's agent and whether the
// fallback vendor was engaged. The primary wins when its credentials resolve;
// the fallback requires both credentials and an outbound caller id.
func (s *Selector) Resolve(agentRef string) (Adapter, bool, error) {
	if agentRef == "" {
		return nil, false, fmt.Errorf("%w: campaign has no agent reference", ErrNotConfigured)
	}

	if s.primary != nil && s.primaryCfg.APIKey != "" {
		return s.primary, false, nil
	}

	if s.fallback != nil && s.fallbackCfg.APIKey != "" && s.fallbackCfg.OutboundCallerID != "" {
		return s.fallback, true, nil
	}

	return nil, false, fmt.Errorf("%w: no vendor credentials resolve for agent %q", ErrNotConfigured, agentRef)
}
