package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role names one of the cooperating agent roles.
type Role string

const (
	RoleCanary        Role = "canary"
	RoleMonitoring    Role = "monitoring"
	RoleResponse      Role = "response"
	RoleCommunication Role = "communication"
)

// Roles lists every role the engine hosts.
func Roles() []Role {
	return []Role{RoleCanary, RoleMonitoring, RoleResponse, RoleCommunication}
}

// MessageType enumerates relay message kinds.
type MessageType string

const (
	MessageAlertNotice          MessageType = "AlertNotice"
	MessageAssessmentRequest    MessageType = "AssessmentRequest"
	MessageRemediationDirective MessageType = "RemediationDirective"
	MessageStatusUpdate         MessageType = "StatusUpdate"
)

// AgentMessage is the unit of inter-agent communication over the relay.
type AgentMessage struct {
	From          Role            `json:"from"`
	To            Role            `json:"to"`
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
	SentAt        time.Time       `json:"sent_at"`
}

// AlertNoticePayload carries a raw anomaly toward the response role.
type AlertNoticePayload struct {
	Alert AnomalyAlert `json:"alert"`
}

// AssessmentRequestPayload summarises a freshly opened incident.
type AssessmentRequestPayload struct {
	IncidentID   string       `json:"incident_id"`
	Signature    string       `json:"signature"`
	Category     Category     `json:"category"`
	Severity     Severity     `json:"severity"`
	Systems      []string     `json:"systems"`
	AlertCount   int          `json:"alert_count"`
	PrimaryAlert AnomalyAlert `json:"primary_alert"`
	OpenedAt     time.Time    `json:"opened_at"`
}

// RemediationDirectivePayload carries the chosen action for an incident.
type RemediationDirectivePayload struct {
	Directive RemediationDirective `json:"directive"`
}

// StatusUpdatePayload reports an incident's terminal state.
type StatusUpdatePayload struct {
	IncidentID string     `json:"incident_id"`
	Signature  string     `json:"signature"`
	Phase      Phase      `json:"phase"`
	Action     Action     `json:"action"`
	Degraded   bool       `json:"degraded"`
	Resolution string     `json:"resolution"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// NewMessage builds an AgentMessage with the payload encoded as JSON.
func NewMessage(from, to Role, mt MessageType, correlationID string, sentAt time.Time, payload any) (AgentMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return AgentMessage{}, fmt.Errorf("encode %s payload: %w", mt, err)
	}
	return AgentMessage{
		From:          from,
		To:            to,
		Type:          mt,
		Payload:       raw,
		CorrelationID: correlationID,
		SentAt:        sentAt,
	}, nil
}

// DecodeAlertNotice extracts the payload of an AlertNotice message.
func DecodeAlertNotice(m AgentMessage) (AlertNoticePayload, error) {
	var p AlertNoticePayload
	if err := decodePayload(m, MessageAlertNotice, &p); err != nil {
		return AlertNoticePayload{}, err
	}
	return p, nil
}

// DecodeAssessmentRequest extracts the payload of an AssessmentRequest message.
func DecodeAssessmentRequest(m AgentMessage) (AssessmentRequestPayload, error) {
	var p AssessmentRequestPayload
	if err := decodePayload(m, MessageAssessmentRequest, &p); err != nil {
		return AssessmentRequestPayload{}, err
	}
	return p, nil
}

// DecodeRemediationDirective extracts the payload of a RemediationDirective message.
func DecodeRemediationDirective(m AgentMessage) (RemediationDirectivePayload, error) {
	var p RemediationDirectivePayload
	if err := decodePayload(m, MessageRemediationDirective, &p); err != nil {
		return RemediationDirectivePayload{}, err
	}
	return p, nil
}

// DecodeStatusUpdate extracts the payload of a StatusUpdate message.
func DecodeStatusUpdate(m AgentMessage) (StatusUpdatePayload, error) {
	var p StatusUpdatePayload
	if err := decodePayload(m, MessageStatusUpdate, &p); err != nil {
		return StatusUpdatePayload{}, err
	}
	return p, nil
}

func decodePayload(m AgentMessage, want MessageType, out any) error {
	if m.Type != want {
		return fmt.Errorf("decode payload: message type %s, want %s", m.Type, want)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", want, err)
	}
	return nil
}
