// Package poeapi holds the upstream wire-protocol shapes and the streaming
// prefix scanner that lets the fetcher discover the next change-id before a
// response body has finished downloading. We deliberately decode as little
// of an Item as the differ needs; interpreting item contents beyond that is
// out of scope (spec Non-goals).
package poeapi

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/maximumstock/stash-indexer/internal/changeid"
)

// Item is a shallow view of the game's item schema. Only the fields the
// differ needs are modeled; everything else rides along as RawPayload.
type Item struct {
	ID         string          `json:"id"`
	StackSize  int             `json:"stackSize,omitempty"`
	Note       string          `json:"note,omitempty"`
	RawPayload json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps both the shallow fields and the full raw bytes.
func (i *Item) UnmarshalJSON(data []byte) error {
	type shallow struct {
		ID        string `json:"id"`
		StackSize int    `json:"stackSize"`
		Note      string `json:"note"`
	}
	var s shallow
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	i.ID = s.ID
	i.StackSize = s.StackSize
	i.Note = s.Note
	i.RawPayload = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON re-emits the original bytes, so Item round-trips.
func (i Item) MarshalJSON() ([]byte, error) {
	if len(i.RawPayload) > 0 {
		return i.RawPayload, nil
	}
	type shallow struct {
		ID        string `json:"id"`
		StackSize int    `json:"stackSize,omitempty"`
		Note      string `json:"note,omitempty"`
	}
	return json.Marshal(shallow{ID: i.ID, StackSize: i.StackSize, Note: i.Note})
}

// Stash is one player's set of publicly-listed items, the unit of batching
// inside a response.
type Stash struct {
	ID          string `json:"id"`
	Public      bool   `json:"public"`
	AccountName string `json:"accountName,omitempty"`
	StashName   string `json:"stash,omitempty"`
	StashType   string `json:"stashType"`
	League      string `json:"league,omitempty"`
	Items       []Item `json:"items"`
}

// ChangeResponse is the full decoded body of a GET /public-stash-tabs call.
type ChangeResponse struct {
	NextChangeID string  `json:"next_change_id"`
	Stashes      []Stash `json:"stashes"`
}

// DiscoveryResponse is the body of the poe.ninja GetStats lookup used only
// at startup, in Fresh mode, to find the current head change-id.
type DiscoveryResponse struct {
	NextChangeID string `json:"next_change_id"`
}

// TokenResponse is the body of the OAuth2 client_credentials exchange.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
}

// PrefixThresholdBytes is the minimum number of leading response bytes the
// fetcher buffers before attempting a prefix scan. It must comfortably
// exceed the length of `{"next_change_id":"` plus the longest realistic
// change-id value. The upstream serializer places next_change_id first in
// every response (spec Design Notes); if that ever changes this constant
// and ScanNextChangeID both need revisiting.
const PrefixThresholdBytes = 120

// ErrPrefixTooShort is returned when fewer than PrefixThresholdBytes bytes
// are available and no closing quote has been found yet.
var ErrPrefixTooShort = errors.New("poeapi: prefix shorter than threshold")

// ScanNextChangeID extracts the next change-id from the leading bytes of a
// conformant response body without running a JSON parser: it locates the
// third and fourth unescaped double-quote characters and treats the bytes
// between them as the token. This relies on next_change_id being the first
// key in the object, e.g. {"next_change_id":"1-2-3-4-5",...
func ScanNextChangeID(prefix []byte) (changeid.ID, error) {
	quoteIdx := make([]int, 0, 4)
	for i := 0; i < len(prefix) && len(quoteIdx) < 4; i++ {
		if prefix[i] != '"' {
			continue
		}
		// An unescaped quote: count the run of backslashes immediately
		// preceding it; an odd count means this quote is escaped.
		backslashes := 0
		for j := i - 1; j >= 0 && prefix[j] == '\\'; j-- {
			backslashes++
		}
		if backslashes%2 == 1 {
			continue
		}
		quoteIdx = append(quoteIdx, i)
	}
	if len(quoteIdx) < 4 {
		if len(prefix) < PrefixThresholdBytes {
			return changeid.ID{}, ErrPrefixTooShort
		}
		return changeid.ID{}, errors.New("poeapi: prefix parse failed: fewer than four quotes found")
	}
	token := string(prefix[quoteIdx[2]+1 : quoteIdx[3]])
	return changeid.Parse(token)
}

// SplitPrefix reports whether buf contains at least PrefixThresholdBytes
// bytes, which is this package's signal that a prefix scan may be
// attempted.
func SplitPrefix(buf *bytes.Buffer) bool {
	return buf.Len() >= PrefixThresholdBytes
}
