package models

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Review states as stored. The upstream API is case-inconsistent across
// endpoints, so everything is folded to this fixed enumeration.
const (
	ReviewStateApproved         = "APPROVED"
	ReviewStateChangesRequested = "CHANGES_REQUESTED"
	ReviewStateCommented        = "COMMENTED"
	ReviewStatePending          = "PENDING"
	ReviewStateDismissed        = "DISMISSED"
)

var knownReviewStates = map[string]struct{}{
	ReviewStateApproved:         {},
	ReviewStateChangesRequested: {},
	ReviewStateCommented:        {},
	ReviewStatePending:          {},
	ReviewStateDismissed:        {},
}

// NormalizeReviewState case-folds a review state to the fixed enumeration.
// Anything unrecognized (including empty input) is stored as COMMENTED with
// one warning naming the offending value; this is a deliberate lossy
// fallback, not an error.
func NormalizeReviewState(state string, logger logrus.FieldLogger) string {
	normalized := strings.ToUpper(strings.TrimSpace(state))
	if _, ok := knownReviewStates[normalized]; ok {
		return normalized
	}
	logger.WithField("state", state).Warn("unrecognized review state, storing as COMMENTED")
	return ReviewStateCommented
}
