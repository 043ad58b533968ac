package domain

import "time"

// IncidentState tracks an incident from detection to resolution.
type IncidentState string

// Incident states.
const (
	IncidentOpen               IncidentState = "open"
	IncidentRollbackInProgress IncidentState = "rollback_in_progress"
	IncidentRolledBack         IncidentState = "rolled_back"
	IncidentRollbackFailed     IncidentState = "rollback_failed"
	IncidentEscalated          IncidentState = "escalated"
	IncidentResolved           IncidentState = "resolved"
)

// IsTerminal reports whether the state admits no further transitions.
func (s IncidentState) IsTerminal() bool {
	return s == IncidentResolved
}

// CanTransitionTo reports whether the transition s -> next is legal.
// Ownership rules: the rollback engine owns the incident while
// rollback_in_progress; the escalation dispatcher owns it once escalated.
func (s IncidentState) CanTransitionTo(next IncidentState) bool {
	switch s {
	case IncidentOpen:
		return next == IncidentRollbackInProgress || next == IncidentEscalated || next == IncidentResolved
	case IncidentRollbackInProgress:
		// Back to open only on operator cancellation.
		return next == IncidentRolledBack || next == IncidentRollbackFailed || next == IncidentOpen
	case IncidentRolledBack:
		return next == IncidentResolved || next == IncidentOpen
	case IncidentRollbackFailed:
		return next == IncidentEscalated
	case IncidentEscalated:
		return next == IncidentResolved
	}
	return false
}

// Tier is an escalation severity tier. P1 is the most severe.
type Tier string

// Escalation tiers.
const (
	TierP1 Tier = "P1"
	TierP2 Tier = "P2"
	TierP3 Tier = "P3"
	TierP4 Tier = "P4"
)

// Rank returns the numeric tier. Lower is more severe.
func (t Tier) Rank() int {
	switch t {
	case TierP1:
		return 1
	case TierP2:
		return 2
	case TierP3:
		return 3
	case TierP4:
		return 4
	}
	return 5
}

// IsValid checks if the tier is valid.
func (t Tier) IsValid() bool {
	return t.Rank() <= 4
}

// MoreSevere reports whether t is strictly more severe than other.
func (t Tier) MoreSevere(other Tier) bool {
	return t.Rank() < other.Rank()
}

// MostSevere returns the more severe of the two tiers.
func MostSevere(a, b Tier) Tier {
	if a.MoreSevere(b) {
		return a
	}
	return b
}

// TierForEventSeverity maps deployment event severity to the initial
// incident tier.
func TierForEventSeverity(s Severity) Tier {
	switch s {
	case SeverityCritical:
		return TierP2
	case SeverityHigh:
		return TierP3
	case SeverityMedium:
		return TierP4
	default:
		return TierP4
	}
}

// Incident is a tracked deployment health problem. At most one incident is
// open per deployment at any time.
type Incident struct {
	ID           string        `json:"id"`
	DeploymentID string        `json:"deployment_id"`
	Tier         Tier          `json:"tier"`
	State        IncidentState `json:"state"`
	// Timeline holds the ids of the deployment events attached to the
	// incident, in arrival order.
	Timeline  []string  `json:"timeline"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
