package alerts

import (
	"encoding/json"
	"time"
)

// Alert lifecycle statuses.
const (
	StatusActive   = "active"
	StatusResolved = "resolved"
	StatusExpired  = "expired"
)

// Alert is one alert record as it appears under alerts.active and
// alerts.resolved in the state document.
type Alert struct {
	ID                string                 `json:"id"`
	Type              string                 `json:"type,omitempty"`
	Category          string                 `json:"category,omitempty"`
	Source            string                 `json:"source,omitempty"`
	Level             string                 `json:"level"`
	Label             string                 `json:"label,omitempty"`
	Message           string                 `json:"message"`
	Trigger           string                 `json:"trigger,omitempty"`
	Data              map[string]interface{} `json:"data,omitempty"`
	Status            string                 `json:"status"`
	Acknowledged      bool                   `json:"acknowledged"`
	Muted             bool                   `json:"muted,omitempty"`
	MutedUntil        *time.Time             `json:"mutedUntil,omitempty"`
	PhoneNotification bool                   `json:"phoneNotification,omitempty"`
	Sticky            bool                   `json:"sticky,omitempty"`
	AutoResolvable    bool                   `json:"autoResolvable,omitempty"`
	AutoExpire        bool                   `json:"autoExpire,omitempty"`
	ExpiresAt         *time.Time             `json:"expiresAt,omitempty"`
	DateCreated       time.Time              `json:"timestamp"`
	DateResolved      *time.Time             `json:"resolvedAt,omitempty"`
	ResolutionData    map[string]interface{} `json:"resolutionData,omitempty"`
	RuleID            string                 `json:"ruleId,omitempty"`
}

// asDocument converts the alert to the generic map shape stored in the
// state document.
func (a Alert) asDocument() map[string]interface{} {
	data, err := json.Marshal(a)
	if err != nil {
		return map[string]interface{}{"id": a.ID}
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{"id": a.ID}
	}
	return out
}

// alertFromDocument decodes a state-document alert entry. Unknown or
// malformed entries return ok=false and are left untouched by the service.
func alertFromDocument(v interface{}) (Alert, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return Alert{}, false
	}
	data, err := json.Marshal(m)
	if err != nil {
		return Alert{}, false
	}
	var a Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return Alert{}, false
	}
	if a.ID == "" {
		return Alert{}, false
	}
	return a, true
}
