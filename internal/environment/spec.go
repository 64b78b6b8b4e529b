// Package environment materializes an abstract environment spec into a
// staging directory and applies executor results back to the sources.
package environment

import (
	"fmt"

	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// ResourceKindFS is the only resource kind the core defines.
const ResourceKindFS = "fs"

// Resource is one leaf of an environment: a named subtree delegated to the
// executor with a given access mode.
type Resource struct {
	Name    string              `json:"name"`
	Kind    string              `json:"kind"`
	Source  string              `json:"source"`
	Mode    protocol.AccessMode `json:"mode"`
	Include []string            `json:"include,omitempty"`
	Exclude []string            `json:"exclude,omitempty"`
}

// Spec is an ordered set of resources. It is treated as immutable once a
// delegation is created from it.
type Spec struct {
	Resources []Resource `json:"resources"`
}

// Validate checks structural invariants: at least one resource, unique
// names, defined kinds and modes.
func (s *Spec) Validate() error {
	if len(s.Resources) == 0 {
		return fmt.Errorf("environment has no resources")
	}
	seen := make(map[string]struct{}, len(s.Resources))
	for _, r := range s.Resources {
		if r.Name == "" {
			return fmt.Errorf("resource with empty name")
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("duplicate resource name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.Kind == "" {
			return fmt.Errorf("resource %q has no kind", r.Name)
		}
		if !r.Mode.Valid() {
			return fmt.Errorf("resource %q has invalid mode %q", r.Name, r.Mode)
		}
	}
	return nil
}

// Declaration returns the executor-visible view: names and modes only,
// source paths hidden.
func (s *Spec) Declaration() []protocol.ResourceDecl {
	decls := make([]protocol.ResourceDecl, 0, len(s.Resources))
	for _, r := range s.Resources {
		decls = append(decls, protocol.ResourceDecl{Name: r.Name, Mode: r.Mode})
	}
	return decls
}
