package session

import "fmt"

// Status is the lifecycle state of a session.
type Status int

const (
	Anonymous Status = iota
	Authenticating
	Authenticated
	Refreshing
	Expired
	LockedOut
)

// Statuses lists every status, in declaration order.
var Statuses = []Status{Anonymous, Authenticating, Authenticated, Refreshing, Expired, LockedOut}

func (s Status) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	case Expired:
		return "expired"
	case LockedOut:
		return "locked_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a name produced by MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	for _, st := range Statuses {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown status %q", b)
}

// Event drives a transition.
type Event int

const (
	LoginSubmit Event = iota
	LoginOK
	// LoginFail is a rejected login below the attempt limit.
	LoginFail
	// LoginLocked is a rejected login that reached the attempt limit, or
	// one the server answered with a lockout.
	LoginLocked
	TokenExpiring
	TokenRefreshed
	RefreshFailed
	InactivityTimeout
	Logout
	// Restored brings a persisted session back at startup.
	Restored
)

// Events lists every event, in declaration order.
var Events = []Event{
	LoginSubmit, LoginOK, LoginFail, LoginLocked, TokenExpiring,
	TokenRefreshed, RefreshFailed, InactivityTimeout, Logout, Restored,
}

func (e Event) String() string {
	switch e {
	case LoginSubmit:
		return "login_submit"
	case LoginOK:
		return "login_ok"
	case LoginFail:
		return "login_fail"
	case LoginLocked:
		return "login_locked"
	case TokenExpiring:
		return "token_expiring"
	case TokenRefreshed:
		return "token_refreshed"
	case RefreshFailed:
		return "refresh_failed"
	case InactivityTimeout:
		return "inactivity_timeout"
	case Logout:
		return "logout"
	case Restored:
		return "restored"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// TransitionError reports an event that is not valid in a status.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: %s is not allowed while %s", e.Event, e.From)
}

// transitions is the complete table. Logout is accepted everywhere and is
// handled in Transition. A LockedOut session only accepts LoginSubmit once
// its lockout has elapsed; the controller checks that before asking.
var transitions = map[Status]map[Event]Status{
	Anonymous: {
		LoginSubmit: Authenticating,
		Restored:    Authenticated,
	},
	Authenticating: {
		LoginOK:     Authenticated,
		LoginFail:   Anonymous,
		LoginLocked: LockedOut,
	},
	Authenticated: {
		TokenExpiring:     Refreshing,
		InactivityTimeout: Expired,
	},
	Refreshing: {
		TokenRefreshed:    Authenticated,
		RefreshFailed:     Expired,
		InactivityTimeout: Expired,
	},
	Expired: {
		LoginSubmit: Authenticating,
	},
	LockedOut: {
		LoginSubmit: Authenticating,
	},
}

// Transition returns the status that follows from on ev, or a
// *TransitionError when the table has no such edge.
func Transition(from Status, ev Event) (Status, error) {
	if ev == Logout {
		return Anonymous, nil
	}
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, &TransitionError{From: from, Event: ev}
}
