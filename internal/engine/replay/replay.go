// Package replay enforces monotonicity of accepted counters and
// timestamps per token. Replay protection supersedes cryptographic
// validity: a proof no newer than one already accepted must be refused
// even when the signature or code checks out.
package replay

import (
	"fmt"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
)

// Accept rejects any counter that does not strictly advance past the last
// accepted one. On acceptance the caller must persist the new counter
// atomically with the fail-count reset.
func Accept(last, presented int64) error {
	if presented <= last {
		return fmt.Errorf("%w: counter %d does not advance past %d", domain.ErrReplayRejected, presented, last)
	}
	return nil
}

// AcceptSignCount applies the same guard to authenticator-reported
// signature counters. Some platform authenticators always report 0; a
// zero count is never treated as a replay, but it is also never
// replay-protected evidence and must not advance the stored counter.
// Whether the exemption should end after the first non-zero report is an
// open product question; this takes the safer reading.
func AcceptSignCount(last int64, presented int64) (advance bool, err error) {
	if presented == 0 {
		return false, nil
	}
	if err := Accept(last, presented); err != nil {
		return false, err
	}
	return true, nil
}
