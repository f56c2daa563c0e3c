// Package idx mints sortable identifiers for correlating log lines: one per
// outbound request and one per login session.
package idx

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind is the prefix that tells what an ID identifies.
type Kind string

const (
	KindRequest Kind = "req"
	KindSession Kind = "ses"
)

// ID is "<kind>_<ulid>", e.g. "req_01HZX3W0J8Q7T5M2K9V4B6N1CE".
type ID string

// Zero represents the zero value ID.
const Zero ID = ""

// ErrInvalid reports a malformed ID string.
var ErrInvalid = errors.New("idx: invalid id")

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewAt generates an ID of kind k at t. IDs minted within the same
// millisecond still sort in creation order.
func NewAt(k Kind, t time.Time) ID {
	mu.Lock()
	defer mu.Unlock()

	u := ulid.MustNew(ulid.Timestamp(t.UTC()), entropy)
	return ID(string(k) + "_" + u.String())
}

// NewRequest returns a fresh request ID.
func NewRequest() ID { return NewAt(KindRequest, time.Now()) }

// NewSession returns a fresh session ID.
func NewSession() ID { return NewAt(KindSession, time.Now()) }

// Parse validates s as an ID of kind k.
func Parse(k Kind, s string) (ID, error) {
	s = strings.TrimSpace(s)

	rest, ok := strings.CutPrefix(s, string(k)+"_")
	if !ok {
		return Zero, ErrInvalid
	}
	if _, err := ulid.ParseStrict(rest); err != nil {
		return Zero, ErrInvalid
	}
	return ID(s), nil
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id == Zero }

func (id ID) String() string { return string(id) }

// Kind returns the prefix of id, or "" when it has none.
func (id ID) Kind() Kind {
	k, _, ok := strings.Cut(string(id), "_")
	if !ok {
		return ""
	}
	return Kind(k)
}

// Time extracts the embedded UTC timestamp. Invalid IDs yield the zero time.
func (id ID) Time() time.Time {
	_, rest, ok := strings.Cut(string(id), "_")
	if !ok {
		return time.Time{}
	}
	u, err := ulid.ParseStrict(rest)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time()).UTC()
}
