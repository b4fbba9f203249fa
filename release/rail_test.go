package release

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRailFailureClass(t *testing.T) {
	cases := []struct {
		err       error
		class     string
		retryable bool
	}{
		{ErrAccountNotConnected, "account_not_connected", false},
		{ErrRailRejected, "rail_rejected", false},
		{ErrRailTemporaryFailure, "rail_temporary_failure", true},
		{fmt.Errorf("send payout: %w", ErrRailTemporaryFailure), "rail_temporary_failure", true},
		{context.DeadlineExceeded, "rail_unknown_failure", true},
		{errors.New("connection reset by peer"), "rail_unknown_failure", true},
	}
	for _, tc := range cases {
		class, retryable := railFailureClass(tc.err)
		if class != tc.class || retryable != tc.retryable {
			t.Errorf("railFailureClass(%v) = (%s, %v), want (%s, %v)",
				tc.err, class, retryable, tc.class, tc.retryable)
		}
	}
}
