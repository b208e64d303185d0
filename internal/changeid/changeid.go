// Package changeid implements the opaque change-id token that identifies a
// position in the public stash change stream. A change-id is a
// dash-separated sequence of non-negative integer segments, e.g.
// "1234567-1234567-1234567-1234567-1234567". The token is treated as
// opaque by every caller except this package: we only need to validate it
// and compare it by value.
package changeid

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ID is a parsed, validated change-id token. The zero value is not valid;
// construct one with Parse.
type ID struct {
	raw string
}

// Parse validates raw as a change-id: every dash-separated segment must
// parse as a non-negative integer. The original byte sequence is retained
// verbatim so that String round-trips exactly.
func Parse(raw string) (ID, error) {
	if raw == "" {
		return ID{}, errors.New("changeid: empty token")
	}
	segments := strings.Split(raw, "-")
	for _, seg := range segments {
		if seg == "" {
			return ID{}, errors.Errorf("changeid: empty segment in %q", raw)
		}
		if _, err := strconv.ParseUint(seg, 10, 64); err != nil {
			return ID{}, errors.Wrapf(err, "changeid: invalid segment %q in %q", seg, raw)
		}
	}
	return ID{raw: raw}, nil
}

// MustParse is Parse but panics on error. Intended for tests and constants.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the original token bytes.
func (id ID) String() string {
	return id.raw
}

// IsZero reports whether id is the unparsed zero value.
func (id ID) IsZero() bool {
	return id.raw == ""
}

// Equal reports byte-equality between two change-ids, which is the only
// equality the spec defines.
func (id ID) Equal(other ID) bool {
	return id.raw == other.raw
}
