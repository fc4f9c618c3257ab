// Package registry validates agent role definitions at startup and supplies
// the ordered role sequence and connector factories to the scheduler.
//
// The connector variants form a closed table: an unknown variant name is a
// configuration error at load time, never a runtime dispatch failure.
package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/connector"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/pool"
)

// Variant names accepted in role definitions.
const (
	VariantACP = "acp"
	VariantCLI = "cli"
	VariantAPI = "api"
)

// Registry holds the validated, ordered role sequence.
type Registry struct {
	roles   []config.Role
	timeout time.Duration
	logger  *slog.Logger

	// probe is the availability check for one role. Overridden in tests.
	probe func(config.Role) bool
}

// New validates the given roles and builds a registry from the ones that
// pass. A role that fails validation is excluded and logged; it never stops
// the others. If no role survives, startup fails.
func New(roles []config.Role, turnTimeout time.Duration, logger *slog.Logger) (*Registry, error) {
	return newRegistry(roles, turnTimeout, logger, nil)
}

func newRegistry(roles []config.Role, turnTimeout time.Duration, logger *slog.Logger, probe func(config.Role) bool) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{timeout: turnTimeout, logger: logger, probe: probe}
	if r.probe == nil {
		r.probe = r.probeAvailability
	}

	seen := make(map[string]bool)
	for _, role := range roles {
		if err := r.validate(role, seen); err != nil {
			logger.Error("registry: excluding role", "role", role.Name, "error", err)
			continue
		}
		seen[role.Name] = true
		r.roles = append(r.roles, role)
	}
	if len(r.roles) == 0 {
		return nil, errors.NewKind(errors.KindConfiguration, "no valid roles configured")
	}
	return r, nil
}

func (r *Registry) validate(role config.Role, seen map[string]bool) error {
	if role.Name == "" {
		return errors.NewKind(errors.KindConfiguration, "role has no name")
	}
	if seen[role.Name] {
		return errors.NewKind(errors.KindConfiguration, "duplicate role name %q", role.Name)
	}
	switch role.Connector {
	case VariantACP, VariantCLI:
		if role.Command == "" {
			return errors.NewKind(errors.KindConfiguration, "role %q has no launch command", role.Name)
		}
	case VariantAPI:
		if role.Model == "" {
			return errors.NewKind(errors.KindConfiguration, "role %q has no model", role.Name)
		}
		known := false
		for _, p := range llm.Providers() {
			if p == role.Provider {
				known = true
				break
			}
		}
		if !known {
			return errors.NewKind(errors.KindConfiguration, "role %q uses unknown provider %q", role.Name, role.Provider)
		}
	default:
		return errors.NewKind(errors.KindConfiguration, "role %q uses unknown connector variant %q", role.Name, role.Connector)
	}
	if !r.probe(role) {
		return errors.NewKind(errors.KindConfiguration, "role %q backend is not available", role.Name)
	}
	return nil
}

func (r *Registry) probeAvailability(role config.Role) bool {
	return r.newConnector(role).CheckAvailability()
}

// newConnector constructs the variant for a role. Only called with roles
// that already passed validation (or during validation itself).
func (r *Registry) newConnector(role config.Role) connector.Connector {
	switch role.Connector {
	case VariantACP:
		return connector.NewAcpConnector(role.Command, role.Args, r.timeout, r.logger)
	case VariantCLI:
		return connector.NewCliStreamConnector(role.Command, role.Args, role.ResumeFlag, r.timeout, r.logger)
	default:
		return connector.NewAPIConnector(role.Provider, role.Model, r.logger)
	}
}

// Sequence returns the validated roles in configuration order.
func (r *Registry) Sequence() []config.Role {
	return r.roles
}

// Find returns the role with the given name.
func (r *Registry) Find(name string) (config.Role, bool) {
	for _, role := range r.roles {
		if role.Name == name {
			return role, true
		}
	}
	return config.Role{}, false
}

// Factory returns a pool factory that constructs and launches a fresh
// connector for the role, primed with its system prompt.
func (r *Registry) Factory(role config.Role) pool.Factory {
	return func(ctx context.Context) (connector.Connector, error) {
		c := r.newConnector(role)
		if err := c.Launch(ctx, role.SystemPrompt); err != nil {
			return nil, errors.Wrapf(err, "failed to launch connector for role %q", role.Name)
		}
		return c, nil
	}
}
