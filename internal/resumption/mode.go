package resumption

import "github.com/pkg/errors"

// Mode selects how the pipeline's first Fetch is seeded at startup.
type Mode int

const (
	// Fresh always queries the discovery endpoint for the current head
	// and ignores any prior state file.
	Fresh Mode = iota
	// Resume reads the persisted state file, falling back to Fresh if it
	// is absent or malformed.
	Resume
)

func (m Mode) String() string {
	switch m {
	case Fresh:
		return "fresh"
	case Resume:
		return "resume"
	default:
		return "unknown"
	}
}

// ParseMode parses the user-configured restart_mode value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "fresh", "Fresh":
		return Fresh, nil
	case "resume", "Resume":
		return Resume, nil
	default:
		return 0, errors.Errorf("resumption: unrecognized restart mode %q", s)
	}
}
