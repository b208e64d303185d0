// Package resumption implements the indexer's crash-resistance contract:
// a two-token (current, next) state, persisted atomically once at
// shutdown (not after every Tick), and the Fresh/Resume startup modes that seed the
// pipeline's first Fetch.
//
// The atomic write idiom (write to a temp file in the same directory,
// then rename over the destination) generalizes the teacher's
// vault.Vault.Seal (crypto/vault/vault.go), which persists sensitive
// state to a single path; Seal itself is a plain WriteFile, so the
// temp-file-plus-rename step here is a stdlib-only addition (no pack
// example demonstrates atomic rename, see SPEC_FULL.md §4.7 and DESIGN.md).
package resumption

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/maximumstock/stash-indexer/internal/changeid"
)

// State is the two-token resumption record, written atomically on
// shutdown and read back at Resume startup.
type State struct {
	ChangeID     changeid.ID `json:"change_id"`
	NextChangeID changeid.ID `json:"next_change_id"`
}

// Store persists State to a single file path.
type Store struct {
	path string
}

// NewStore constructs a Store rooted at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads and parses the persisted state. A missing file is reported
// via os.IsNotExist on the returned error; callers fall back to Fresh in
// that case per spec.
func (s *Store) Load() (State, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return State{}, err
	}

	var wire struct {
		ChangeID     string `json:"change_id"`
		NextChangeID string `json:"next_change_id"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return State{}, errors.Wrap(err, "resumption: malformed state file")
	}

	current, err := changeid.Parse(wire.ChangeID)
	if err != nil {
		return State{}, errors.Wrap(err, "resumption: invalid change_id in state file")
	}
	next, err := changeid.Parse(wire.NextChangeID)
	if err != nil {
		return State{}, errors.Wrap(err, "resumption: invalid next_change_id in state file")
	}

	return State{ChangeID: current, NextChangeID: next}, nil
}

// Save writes state atomically: it writes to a temp file in the same
// directory as the destination, then renames over it, so a crash mid-write
// never leaves a truncated or partially-written state file behind.
func (s *Store) Save(state State) error {
	wire := struct {
		ChangeID     string `json:"change_id"`
		NextChangeID string `json:"next_change_id"`
	}{
		ChangeID:     state.ChangeID.String(),
		NextChangeID: state.NextChangeID.String(),
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return errors.Wrap(err, "resumption: marshal state")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".resumption-*.tmp")
	if err != nil {
		return errors.Wrap(err, "resumption: create temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "resumption: write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "resumption: close temp file")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "resumption: rename temp file into place")
	}
	return nil
}
