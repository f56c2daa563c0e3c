// Package access decides whether a session may open a path. Authorize is a
// pure function of the route table, the path and the session view.
package access

import (
	"slices"
	"strings"
)

// Outcome is the kind of an access decision.
type Outcome int

const (
	Allow Outcome = iota
	RedirectToLogin
	Deny
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case RedirectToLogin:
		return "redirect_to_login"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// DefaultLoginPath is where unauthenticated sessions are sent.
const DefaultLoginPath = "/auth/login"

// Policy guards every path equal to Path or below it.
type Policy struct {
	Path         string   `yaml:"path" json:"path"`
	RequiresAuth bool     `yaml:"requiresAuth" json:"requiresAuth"`
	AllowedRoles []string `yaml:"allowedRoles,omitempty" json:"allowedRoles,omitempty"`

	// RedirectTo overrides DefaultLoginPath for this policy.
	RedirectTo string `yaml:"redirectTo,omitempty" json:"redirectTo,omitempty"`
}

// View is what the decision needs to know about the session.
type View struct {
	Authenticated bool
	Role          string
}

// Decision is the result of Authorize.
type Decision struct {
	Outcome Outcome

	// LoginPath and Callback are set for RedirectToLogin. Callback is the
	// path the user asked for, to return to after logging in.
	LoginPath string
	Callback  string

	// Policy is the matched policy, nil when nothing matched.
	Policy *Policy
}

// Matched reports whether a policy governed the decision. An unmatched
// Allow is the fail-open default and worth surfacing.
func (d Decision) Matched() bool { return d.Policy != nil }

// Table is an ordered list of policies.
type Table struct {
	Policies []Policy `yaml:"routes"`

	// AdminRole passes every role check. Empty disables the override.
	AdminRole string `yaml:"adminRole,omitempty"`

	// FailClosed treats unmatched paths as requiring authentication (any
	// role) instead of allowing them.
	FailClosed bool `yaml:"failClosed,omitempty"`
}

// Match returns the policy governing path: an exact match wins regardless
// of table order, otherwise the longest policy path that prefixes path at
// a segment boundary, ties going to the earlier entry.
func (t *Table) Match(path string) (*Policy, bool) {
	for i := range t.Policies {
		if t.Policies[i].Path == path {
			return &t.Policies[i], true
		}
	}

	best := -1
	for i := range t.Policies {
		p := t.Policies[i].Path
		if !strings.HasPrefix(path, p+"/") {
			continue
		}
		if best < 0 || len(p) > len(t.Policies[best].Path) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	return &t.Policies[best], true
}

// Authorize maps (path, session) to a decision.
func (t *Table) Authorize(path string, v View) Decision {
	if path == "" {
		path = "/"
	}

	p, ok := t.Match(path)
	if !ok {
		if t.FailClosed && !v.Authenticated {
			return Decision{Outcome: RedirectToLogin, LoginPath: DefaultLoginPath, Callback: path}
		}
		return Decision{Outcome: Allow}
	}

	if !p.RequiresAuth {
		return Decision{Outcome: Allow, Policy: p}
	}

	if !v.Authenticated {
		login := p.RedirectTo
		if login == "" {
			login = DefaultLoginPath
		}
		return Decision{Outcome: RedirectToLogin, LoginPath: login, Callback: path, Policy: p}
	}

	if len(p.AllowedRoles) > 0 && !t.roleAllowed(v.Role, p.AllowedRoles) {
		return Decision{Outcome: Deny, Policy: p}
	}

	return Decision{Outcome: Allow, Policy: p}
}

func (t *Table) roleAllowed(role string, allowed []string) bool {
	if t.AdminRole != "" && role == t.AdminRole {
		return true
	}
	return slices.Contains(allowed, role)
}
