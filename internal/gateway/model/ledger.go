package model

import "fmt"

// DecodedEntry is a ledger entry rendered for an HTTP response. The zero
// value is the "empty" entry returned when a missing entry is soft-degraded.
type DecodedEntry struct {
	LedgerID int64  `json:"ledgerId"`
	EntryID  int64  `json:"entryId"`
	Length   int64  `json:"length"`
	Content  string `json:"content"`
}

// AppendEntryRequest is the payload for appending to an owned ledger.
// Codec "hex" means Content is hex-encoded binary; anything else is UTF-8.
type AppendEntryRequest struct {
	Content string `json:"content"`
	Codec   string `json:"codec,omitempty"`
}

// AppendEntryResponse reports where an entry landed.
type AppendEntryResponse struct {
	LedgerID int64 `json:"ledgerId"`
	EntryID  int64 `json:"entryId"`
}

// DeleteResult is the outcome of deleting one ledger in a batch.
type DeleteResult struct {
	LedgerID int64  `json:"ledgerId"`
	Deleted  bool   `json:"deleted"`
	Error    string `json:"error,omitempty"`
}

// DeleteLedgersResult lists per-id outcomes in request order.
type DeleteLedgersResult struct {
	Results []DeleteResult `json:"results"`
}

// Failed reports how many deletions in the batch did not succeed.
func (r DeleteLedgersResult) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Deleted {
			n++
		}
	}
	return n
}

// LedgerError attaches the failing ledger id to an operation error.
type LedgerError struct {
	LedgerID int64
	Err      error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %d: %v", e.LedgerID, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }
