// Package scope holds the static scope catalog: each scope's permissions,
// its level and the scopes it includes.  An Authority is immutable after
// construction and safe for concurrent use without locking.
package scope

import (
	"sort"
	"strings"
)

// AllAccess is the permission that satisfies every permission check.
const AllAccess = "admin:all"

// Definition describes one scope.
type Definition struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
	Level       int      `json:"level"`
	// Includes lists the scopes this one subsumes.
	Includes []string `json:"includes"`
}

// DefaultCatalog is the catalog the service ships with.
func DefaultCatalog() []Definition {
	return []Definition{
		{Name: "read", Description: "Read access to user data", Level: 1,
			Permissions: []string{"read:profile", "read:email", "read:basic_info"},
			Includes:    []string{"profile", "email"}},
		{Name: "write", Description: "Write access to user data", Level: 2,
			Permissions: []string{"write:profile", "write:email", "write:basic_info"},
			Includes:    []string{"read", "profile", "email"}},
		{Name: "delete", Description: "Delete access to user data", Level: 3,
			Permissions: []string{"delete:profile", "delete:email", "delete:basic_info"},
			Includes:    []string{"write", "read", "profile", "email"}},
		{Name: "admin", Description: "Administrative access", Level: 4,
			Permissions: []string{AllAccess, "read:all", "write:all", "delete:all"},
			Includes:    []string{"delete", "write", "read", "profile", "email"}},
		{Name: "profile", Description: "Access to user profile information", Level: 1,
			Permissions: []string{"read:profile", "write:profile"}},
		{Name: "email", Description: "Access to user email address", Level: 1,
			Permissions: []string{"read:email", "write:email"}},
	}
}

// Authority answers scope questions against a fixed catalog.
type Authority struct {
	defs  map[string]Definition
	order []string
	// grantedBy maps a scope to every scope that transitively includes it.
	grantedBy map[string]map[string]struct{}
}

// NewAuthority builds an Authority from defs.  Includes entries naming
// scopes that are not in defs are ignored.
func NewAuthority(defs []Definition) *Authority {
	a := &Authority{
		defs:      make(map[string]Definition, len(defs)),
		grantedBy: make(map[string]map[string]struct{}, len(defs)),
	}
	for _, d := range defs {
		d.Permissions = append([]string(nil), d.Permissions...)
		d.Includes = append([]string(nil), d.Includes...)
		if _, dup := a.defs[d.Name]; !dup {
			a.order = append(a.order, d.Name)
		}
		a.defs[d.Name] = d
	}
	for _, name := range a.order {
		for included := range a.closure(name) {
			set, ok := a.grantedBy[included]
			if !ok {
				set = make(map[string]struct{})
				a.grantedBy[included] = set
			}
			set[name] = struct{}{}
		}
	}
	return a
}

// closure returns every scope reachable from name through Includes, not
// counting name itself.
func (a *Authority) closure(name string) map[string]struct{} {
	seen := make(map[string]struct{})
	stack := append([]string(nil), a.defs[name].Includes...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := a.defs[n]; !ok || n == name {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		stack = append(stack, a.defs[n].Includes...)
	}
	return seen
}

// Result is the outcome of Validate.
type Result struct {
	Valid   []string `json:"valid_scopes"`
	Invalid []string `json:"invalid_scopes"`
}

// OK reports whether every requested scope was valid.
func (r Result) OK() bool { return len(r.Invalid) == 0 }

// Validate splits requested into scopes the allowed set grants and scopes it
// does not.  A scope is granted when it is in allowed, or when some scope in
// allowed includes it.  Unknown scopes are never granted.
func (a *Authority) Validate(requested, allowed []string) Result {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = struct{}{}
	}
	res := Result{Valid: []string{}, Invalid: []string{}}
	for _, s := range requested {
		if a.grants(s, allowedSet) {
			res.Valid = append(res.Valid, s)
		} else {
			res.Invalid = append(res.Invalid, s)
		}
	}
	return res
}

func (a *Authority) grants(s string, allowed map[string]struct{}) bool {
	if _, known := a.defs[s]; !known {
		return false
	}
	if _, ok := allowed[s]; ok {
		return true
	}
	for parent := range a.grantedBy[s] {
		if _, ok := allowed[parent]; ok {
			return true
		}
	}
	return false
}

// EffectivePermissions returns the sorted union of the permissions declared
// by scopes.  Unknown scopes contribute nothing.
func (a *Authority) EffectivePermissions(scopes []string) []string {
	set := make(map[string]struct{})
	for _, s := range scopes {
		for _, p := range a.defs[s].Permissions {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasPermission reports whether scopes carry permission, directly or via
// AllAccess.
func (a *Authority) HasPermission(scopes []string, permission string) bool {
	for _, p := range a.EffectivePermissions(scopes) {
		if p == permission || p == AllAccess {
			return true
		}
	}
	return false
}

// Lookup returns the definition of name.
func (a *Authority) Lookup(name string) (Definition, bool) {
	d, ok := a.defs[name]
	if !ok {
		return Definition{}, false
	}
	d.Permissions = append([]string(nil), d.Permissions...)
	d.Includes = append([]string(nil), d.Includes...)
	return d, true
}

// Exists reports whether name is in the catalog.
func (a *Authority) Exists(name string) bool {
	_, ok := a.defs[name]
	return ok
}

// All returns the catalog in declaration order.
func (a *Authority) All() []Definition {
	out := make([]Definition, 0, len(a.order))
	for _, name := range a.order {
		d, _ := a.Lookup(name)
		out = append(out, d)
	}
	return out
}

// Known filters scopes down to catalog entries, dropping duplicates and
// keeping the first occurrence order.
func (a *Authority) Known(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if _, dup := seen[s]; dup || !a.Exists(s) {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Parse splits a space or comma separated scope string, dropping empty and
// duplicate entries.
func Parse(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Format joins scopes into the space separated wire form.
func Format(scopes []string) string {
	return strings.Join(scopes, " ")
}
