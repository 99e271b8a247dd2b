package config

import "fmt"

// ExtServiceConfig binds one Ext-lane service name to the address of the
// downstream business service that handles it (spec §1's "concrete
// business services" external collaborator, made concrete by the CLI).
type ExtServiceConfig struct {
	Name    string `koanf:"name"`
	Address string `koanf:"address"`
}

// HotServiceConfig binds one Hot-lane numeric service id to a downstream
// address.
type HotServiceConfig struct {
	SvcID   uint8  `koanf:"svc_id"`
	Address string `koanf:"address"`
}

// ServicesConfig lists the downstream business services the CLI dials at
// startup and registers into the ServiceRegistry.
type ServicesConfig struct {
	Ext []ExtServiceConfig `koanf:"ext"`
	Hot []HotServiceConfig `koanf:"hot"`
}

// RootConfig is the top-level shape of the YAML config file (spec §6):
// a gateway section, a list of tenants, and the downstream services the
// dispatcher forwards to.
type RootConfig struct {
	Gateway  GatewayConfig  `koanf:"gateway"`
	Tenants  []TenantConfig `koanf:"tenants"`
	Services ServicesConfig `koanf:"services"`
}

// Validate checks the gateway section and every tenant, and rejects
// duplicate tenant ids.
func (r RootConfig) Validate() error {
	if err := r.Gateway.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(r.Tenants))
	for _, t := range r.Tenants {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}
