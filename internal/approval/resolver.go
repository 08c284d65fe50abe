// Package approval derives per-caller and aggregate status from a document's
// approval hierarchy.
package approval

import (
	"slices"
	"strings"

	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// Match describes how CurrentStatusFor chose its level.
type Match int

const (
	// MatchNone means the hierarchy was empty.
	MatchNone Match = iota
	// MatchCaller means the caller is an approver of the returned level.
	MatchCaller
	// MatchFallback means no level matched the caller and the first level was
	// returned. Callers must not treat this as eligibility.
	MatchFallback
)

func (m Match) String() string {
	switch m {
	case MatchCaller:
		return "caller"
	case MatchFallback:
		return "fallback"
	}
	return "none"
}

// ERP approval status codes.
const (
	ERPAwaitingPriorLevel = "01"
	ERPPending            = "02"
	ERPReleased           = "03"
	ERPRejected           = "04"
	ERPReleasedByOther    = "05"
	ERPRejectedByOther    = "06"
)

// ParseERPState maps an ERP approval status code to a level state.
func ParseERPState(code string) (models.LevelState, bool) {
	switch strings.TrimSpace(code) {
	case ERPAwaitingPriorLevel:
		return models.LevelAwaitingPriorLevel, true
	case ERPPending:
		return models.LevelPending, true
	case ERPReleased, ERPReleasedByOther:
		return models.LevelReleased, true
	case ERPRejected, ERPRejectedByOther:
		return models.LevelRejected, true
	}
	return "", false
}

// CurrentStatusFor returns the level awaiting caller's action. A pending level
// the caller can act on wins over any other match. With no match at all the
// first level is returned with MatchFallback.
func CurrentStatusFor(levels []models.ApprovalLevel, caller models.Identity) (models.ApprovalLevel, Match) {
	if len(levels) == 0 {
		return models.ApprovalLevel{}, MatchNone
	}

	first := -1
	for i, l := range levels {
		if !IsEligible(l, caller) {
			continue
		}
		if l.State == models.LevelPending {
			return l, MatchCaller
		}
		if first < 0 {
			first = i
		}
	}
	if first >= 0 {
		return levels[first], MatchCaller
	}
	return levels[0], MatchFallback
}

// IsEligible reports whether caller may act on level l, by approver id,
// display name, eligible-approver list or group membership.
func IsEligible(l models.ApprovalLevel, caller models.Identity) bool {
	return eligible(l.ApproverID, l.ApproverName, l.Approvers, l.Groups, caller)
}

// IsEligibleForTemplate is IsEligible for a configured template level.
func IsEligibleForTemplate(l models.TemplateLevel, caller models.Identity) bool {
	return eligible(l.ApproverID, l.ApproverName, l.Approvers, l.Groups, caller)
}

func eligible(id, name string, approvers, groups []string, caller models.Identity) bool {
	if caller.ID != "" {
		if caller.ID == id || slices.Contains(approvers, caller.ID) {
			return true
		}
	}
	if caller.Name != "" && strings.EqualFold(strings.TrimSpace(caller.Name), strings.TrimSpace(name)) {
		return true
	}
	for _, g := range caller.Groups {
		if g != "" && slices.Contains(groups, g) {
			return true
		}
	}
	return false
}

// AggregateStatus folds level states into the document status. Rejected
// absorbs everything; any open level keeps the document pending; otherwise
// it is released.
func AggregateStatus(levels []models.ApprovalLevel) models.DocumentStatus {
	rejected, open := false, false
	for _, l := range levels {
		switch l.State {
		case models.LevelRejected:
			rejected = true
		case models.LevelPending, models.LevelAwaitingPriorLevel:
			open = true
		case models.LevelReleased:
		default:
			// Unknown states never count as released.
			open = true
		}
	}
	switch {
	case rejected:
		return models.DocumentRejected
	case open:
		return models.DocumentPending
	}
	return models.DocumentReleased
}

// LowestPending returns the lowest-order pending level, if any.
func LowestPending(levels []models.ApprovalLevel) (models.ApprovalLevel, bool) {
	var (
		best  models.ApprovalLevel
		found bool
	)
	for _, l := range levels {
		if l.State != models.LevelPending {
			continue
		}
		if !found || l.Order < best.Order {
			best, found = l, true
		}
	}
	return best, found
}
