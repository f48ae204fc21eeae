package models

import (
	"strings"
	"time"
)

// Token is the server-assigned ordering token carried by every
// reconciliation update. Ordering is decided by the server, never by
// arrival time: when both tokens carry an explicit sequence the sequence
// wins, otherwise the ULID's lexical order (which is its time order) is
// used.
type Token struct {
	Seq  uint64 `json:"seq,omitempty"`
	ULID string `json:"ulid,omitempty"`
}

// IsZero reports whether the token carries no ordering information.
func (t Token) IsZero() bool {
	return t.Seq == 0 && t.ULID == ""
}

// After reports whether t is strictly later than other in server order.
func (t Token) After(other Token) bool {
	if other.IsZero() {
		return !t.IsZero()
	}
	if t.Seq != 0 && other.Seq != 0 {
		return t.Seq > other.Seq
	}
	return strings.Compare(t.ULID, other.ULID) > 0
}

// Update is one reconciliation delta: job-level fields plus zero or more
// per-issue fix result deltas, all stamped with a single ordering token.
// Zero values on the job fields mean "no change"; pointer fields carry
// explicit values.
type Update struct {
	BatchID             string      `json:"batch_id"`
	Token               Token       `json:"token"`
	Status              JobStatus   `json:"status,omitempty"`
	Progress            *float64    `json:"progress,omitempty"`
	CompletedFixes      *int        `json:"completed_fixes,omitempty"`
	FailedFixes         *int        `json:"failed_fixes,omitempty"`
	EstimatedCompletion *time.Time  `json:"estimated_completion,omitempty"`
	Results             []FixResult `json:"results,omitempty"`
}

// UpdateFromStatus normalizes a poll response into the same update shape
// the push channel delivers, so both paths funnel through one ordering
// check.
func UpdateFromStatus(st *BatchStatus) Update {
	u := Update{
		BatchID:        st.BatchID,
		Token:          st.Token,
		Status:         st.Status,
		Progress:       &st.Progress,
		CompletedFixes: &st.Completed,
		FailedFixes:    &st.Failed,
		Results:        st.Results,
	}
	if st.EstimatedTimeRemainingSec != nil {
		eta := time.Now().Add(time.Duration(*st.EstimatedTimeRemainingSec) * time.Second)
		u.EstimatedCompletion = &eta
	}
	return u
}
