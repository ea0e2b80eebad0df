// Package access derives which tool providers and tools a caller may reach.
//
// Every function here is pure: callers pass the role, the currently enabled
// providers and any allow-lists, and get back a scoped set. Allow-lists only
// ever narrow the role defaults.
package access

import (
	"errors"
	"sort"
	"strings"
)

// ErrPermissionDenied is returned when a caller's scope excludes a provider.
var ErrPermissionDenied = errors.New("permission denied")

// Role is a caller role.
type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
	RoleAdmin   Role = "admin"
)

// Wildcard in a role's default list means "every enabled provider".
const Wildcard = "*"

// ParseRole normalizes s. Missing or unknown roles map to RoleStudent.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleFaculty:
		return RoleFaculty
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleStudent
	}
}

// Elevated reports whether the role bypasses tool filtering.
func (r Role) Elevated() bool {
	return r == RoleAdmin
}

// Restricted reports whether the role is the most restrictive one.
func (r Role) Restricted() bool {
	return ParseRole(string(r)) == RoleStudent
}

func (r Role) String() string {
	return string(r)
}

// DefaultRoleProviders is the built-in role to provider mapping.
func DefaultRoleProviders() map[Role][]string {
	return map[Role][]string{
		RoleStudent: {"student_2022", "student_2024"},
		RoleFaculty: {"student_2022", "student_2024", "faculty"},
		RoleAdmin:   {Wildcard},
	}
}

// Policy holds the role defaults.
type Policy struct {
	defaults map[Role][]string
}

// NewPolicy builds a policy. Roles missing from defaults fall back to the
// built-in mapping.
func NewPolicy(defaults map[Role][]string) *Policy {
	merged := DefaultRoleProviders()
	for role, names := range defaults {
		merged[ParseRole(string(role))] = normalize(names)
	}
	return &Policy{defaults: merged}
}

// RoleDefaultProviders returns the static provider list for role.
// Unrecognized roles get the most restrictive list.
func (p *Policy) RoleDefaultProviders(role Role) []string {
	names := p.defaults[ParseRole(string(role))]
	return append([]string(nil), names...)
}

// EffectiveProviders computes the providers a caller may use for one request:
// role defaults, intersected with the enabled providers, intersected with the
// verified allow-list when present. The header allow-list only applies when no
// verified allow-list exists. A nil allow-list means "not supplied"; an empty
// non-nil one narrows to nothing.
func (p *Policy) EffectiveProviders(role Role, enabled, verifiedAllow, headerAllow []string) []string {
	defaults := p.RoleDefaultProviders(role)
	var scope []string
	if contains(defaults, Wildcard) {
		scope = normalize(enabled)
	} else {
		scope = intersect(defaults, enabled)
	}

	switch {
	case verifiedAllow != nil:
		scope = intersect(scope, verifiedAllow)
	case headerAllow != nil:
		scope = intersect(scope, headerAllow)
	}
	return scope
}

// CanReach reports whether provider is inside the caller's effective scope.
func (p *Policy) CanReach(role Role, provider string, enabled, verifiedAllow, headerAllow []string) bool {
	return contains(p.EffectiveProviders(role, enabled, verifiedAllow, headerAllow), provider)
}

func normalize(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, name := range b {
		set[strings.TrimSpace(name)] = struct{}{}
	}
	var out []string
	for _, name := range normalize(a) {
		if _, ok := set[name]; ok {
			out = append(out, name)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}

// ParseList splits a comma separated allow-list header. An empty value means
// "not supplied" and returns nil.
func ParseList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return normalize(strings.Split(value, ","))
}

// Caller is the access-relevant part of a request's identity.
type Caller struct {
	ID   string
	Role Role
	// VerifiedAllow comes from a verified credential; nil when absent.
	VerifiedAllow []string
	// HeaderAllow comes from plain request headers; nil when absent.
	HeaderAllow []string
}

// ProvidersFor is EffectiveProviders for a Caller.
func (p *Policy) ProvidersFor(c Caller, enabled []string) []string {
	return p.EffectiveProviders(c.Role, enabled, c.VerifiedAllow, c.HeaderAllow)
}
