package vsr

import "kimberlite.dev/core/kernel"

// LogEntry is one in-memory record of the replicated log: the command
// a Prepare carried, the view it was prepared in, and the chain hash
// ledger.Append returned for it. Replicas compare ChainHash, not the
// command value, when validating a backup's tail against a primary's
// claims (spec.md §4.6.2 step 5's "prev-hash link matches local tail").
type LogEntry struct {
	OpNumber      uint64
	View          uint64
	Command       kernel.Command
	Timestamp     int64
	ChainHash     [32]byte
	ClientID      uint64
	RequestNumber uint64
}
