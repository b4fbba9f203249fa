package dispute

import (
	"strings"
	"testing"
)

func TestIsActive(t *testing.T) {
	active := []Status{StatusOpen, StatusNegotiation, StatusAdminReview, StatusNeedsInfo}
	for _, s := range active {
		if !IsActive(s) {
			t.Errorf("IsActive(%s) = false, want true", s)
		}
	}
	closed := []Status{StatusResolvedPayer, StatusResolvedPayee, StatusRejected, Status("BOGUS")}
	for _, s := range closed {
		if IsActive(s) {
			t.Errorf("IsActive(%s) = true, want false", s)
		}
	}
}

// The SQL literal used in freeze and resolution queries must agree with
// IsActive, or a dispute could freeze in Go and not in SQL (or vice versa).
func TestActiveStatusListMatchesIsActive(t *testing.T) {
	inner := strings.Trim(activeStatusList, "()")
	listed := map[Status]bool{}
	for _, part := range strings.Split(inner, ",") {
		s := Status(strings.Trim(part, "'"))
		listed[s] = true
		if !IsActive(s) {
			t.Errorf("%s appears in activeStatusList but IsActive reports false", s)
		}
	}
	for _, s := range []Status{StatusOpen, StatusNegotiation, StatusAdminReview, StatusNeedsInfo} {
		if !listed[s] {
			t.Errorf("active status %s missing from activeStatusList", s)
		}
	}
}
