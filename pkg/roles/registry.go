package roles

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Capability names understood by Registry.Can.
const (
	CapabilityManage = "manage"
	CapabilityCurate = "curate"
	CapabilityView   = "view"
)

// Role describes a single community role and what its holders may do.
type Role struct {
	Name           string   `yaml:"name" json:"name"`
	Title          string   `yaml:"title" json:"title"`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	CanManageRoles []string `yaml:"can_manage_roles" json:"can_manage_roles"`
	IsOwner        bool     `yaml:"is_owner" json:"is_owner"`
	CanManage      bool     `yaml:"can_manage" json:"can_manage"`
	CanCurate      bool     `yaml:"can_curate" json:"can_curate"`
	CanView        bool     `yaml:"can_view" json:"can_view"`
}

// Registry is the immutable set of roles for this deployment.
type Registry struct {
	roles  []Role
	byName map[string]Role
	owner  Role
}

// DefaultRoles returns the built-in role table used when no roles file is
// configured.
func DefaultRoles() []Role {
	return []Role{
		{
			Name:           "owner",
			Title:          "Owner",
			Description:    "Full administration of the community",
			CanManageRoles: []string{"owner", "manager", "curator", "reader"},
			IsOwner:        true,
			CanManage:      true,
			CanCurate:      true,
			CanView:        true,
		},
		{
			Name:           "manager",
			Title:          "Manager",
			Description:    "Can manage members and settings",
			CanManageRoles: []string{"manager", "curator", "reader"},
			CanManage:      true,
			CanCurate:      true,
			CanView:        true,
		},
		{
			Name:        "curator",
			Title:       "Curator",
			Description: "Can review and accept submitted records",
			CanCurate:   true,
			CanView:     true,
		},
		{
			Name:        "reader",
			Title:       "Reader",
			Description: "Can view restricted records",
			CanView:     true,
		},
	}
}

// NewRegistry builds a registry from a role table. It fails if the table is
// empty, contains duplicate names, references unknown roles in
// can_manage_roles, or does not contain exactly one owner role.
func NewRegistry(roleList []Role) (*Registry, error) {
	if len(roleList) == 0 {
		return nil, fmt.Errorf("role registry cannot be empty")
	}

	byName := make(map[string]Role, len(roleList))
	var owner *Role
	for _, r := range roleList {
		if r.Name == "" {
			return nil, fmt.Errorf("role with empty name")
		}
		if _, dup := byName[r.Name]; dup {
			return nil, fmt.Errorf("duplicate role %q", r.Name)
		}
		byName[r.Name] = r
		if r.IsOwner {
			if owner != nil {
				return nil, fmt.Errorf("multiple owner roles: %q and %q", owner.Name, r.Name)
			}
			o := r
			owner = &o
		}
	}
	if owner == nil {
		return nil, fmt.Errorf("no role is marked is_owner")
	}

	for _, r := range roleList {
		for _, managed := range r.CanManageRoles {
			if _, ok := byName[managed]; !ok {
				return nil, fmt.Errorf("role %q manages unknown role %q", r.Name, managed)
			}
		}
	}

	out := make([]Role, len(roleList))
	copy(out, roleList)

	return &Registry{roles: out, byName: byName, owner: *owner}, nil
}

// rolesFile is the YAML layout of a roles configuration file.
type rolesFile struct {
	Roles []Role `yaml:"roles"`
}

// LoadFile loads a registry from a YAML roles file. The file replaces the
// built-in table entirely; validation is the same as NewRegistry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file: %w", err)
	}

	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse roles file %s: %w", path, err)
	}

	reg, err := NewRegistry(f.Roles)
	if err != nil {
		return nil, fmt.Errorf("invalid roles file %s: %w", path, err)
	}
	return reg, nil
}

// Default returns a registry built from DefaultRoles. It panics on error
// because the built-in table is validated by tests.
func Default() *Registry {
	reg, err := NewRegistry(DefaultRoles())
	if err != nil {
		panic(fmt.Sprintf("built-in role table invalid: %v", err))
	}
	return reg
}

// Roles returns all roles in registration order.
func (r *Registry) Roles() []Role {
	out := make([]Role, len(r.roles))
	copy(out, r.roles)
	return out
}

// Owner returns the single role marked is_owner.
func (r *Registry) Owner() Role {
	return r.owner
}

// Get returns the named role.
func (r *Registry) Get(name string) (Role, bool) {
	role, ok := r.byName[name]
	return role, ok
}

// ManagerRoles returns the roles allowed to manage holders of the given role.
func (r *Registry) ManagerRoles(name string) []Role {
	var out []Role
	for _, candidate := range r.roles {
		for _, managed := range candidate.CanManageRoles {
			if managed == name {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// ManagerRolesFor returns the roles allowed to manage a member whose role is
// changing from current to target: the intersection of the two manager sets.
// A role change must be permitted against both the role being given up and
// the role being granted, so a manager cannot demote an owner or grant
// ownership by swapping roles.
func (r *Registry) ManagerRolesFor(current, target string) []Role {
	targetManagers := make(map[string]struct{})
	for _, role := range r.ManagerRoles(target) {
		targetManagers[role.Name] = struct{}{}
	}

	var out []Role
	for _, role := range r.ManagerRoles(current) {
		if _, ok := targetManagers[role.Name]; ok {
			out = append(out, role)
		}
	}
	return out
}

// Can returns the roles holding the given capability flag.
func (r *Registry) Can(capability string) []Role {
	var out []Role
	for _, role := range r.roles {
		switch capability {
		case CapabilityManage:
			if role.CanManage {
				out = append(out, role)
			}
		case CapabilityCurate:
			if role.CanCurate {
				out = append(out, role)
			}
		case CapabilityView:
			if role.CanView {
				out = append(out, role)
			}
		}
	}
	return out
}
