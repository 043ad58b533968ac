package domain

import "time"

// Channel is an outbound alerting channel.
type Channel string

// Alerting channels.
const (
	ChannelPage  Channel = "page"
	ChannelSlack Channel = "slack"
	ChannelEmail Channel = "email"
)

// IsValid checks if the channel is valid.
func (c Channel) IsValid() bool {
	return c == ChannelPage || c == ChannelSlack || c == ChannelEmail
}

// EscalationStatus is the terminal status of one escalation send.
type EscalationStatus string

// Escalation statuses.
const (
	EscalationSent   EscalationStatus = "sent"
	EscalationFailed EscalationStatus = "failed"
)

// Escalation is one notification attempt record for an incident on one
// channel. Records are immutable once written: a re-escalation creates a new
// record linked to the same incident.
type Escalation struct {
	ID             string           `json:"id"`
	IncidentID     string           `json:"incident_id"`
	Tier           Tier             `json:"tier"`
	Channel        Channel          `json:"channel"`
	Reason         string           `json:"reason"`
	Attempts       int              `json:"attempts"`
	Status         EscalationStatus `json:"status"`
	SentAt         time.Time        `json:"sent_at"`
	AcknowledgedAt *time.Time       `json:"acknowledged_at,omitempty"`
}
