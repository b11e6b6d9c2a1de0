package rules

import "time"

// ActionType tags the declarative actions a rule may emit.
type ActionType string

const (
	ActionCreateAlert    ActionType = "CREATE_ALERT"
	ActionResolveAlert   ActionType = "RESOLVE_ALERT"
	ActionNotification   ActionType = "NOTIFICATION"
	ActionWeatherAlert   ActionType = "WEATHER_ALERT"
	ActionCrewAlert      ActionType = "CREW_ALERT"
	ActionSetSyncProfile ActionType = "SET_SYNC_PROFILE"
)

// CreateAlertData is the partial alert record carried by CREATE_ALERT.
type CreateAlertData struct {
	Type              string                 `json:"type,omitempty"`
	Category          string                 `json:"category,omitempty"`
	Source            string                 `json:"source,omitempty"`
	Level             string                 `json:"level"`
	Label             string                 `json:"label,omitempty"`
	Message           string                 `json:"message"`
	Trigger           string                 `json:"trigger"`
	Data              map[string]interface{} `json:"data,omitempty"`
	PhoneNotification bool                   `json:"phoneNotification,omitempty"`
	Sticky            bool                   `json:"sticky,omitempty"`
	AutoResolvable    bool                   `json:"autoResolvable,omitempty"`
	AutoExpire        bool                   `json:"autoExpire,omitempty"`
	ExpiresInMillis   int64                  `json:"expiresIn,omitempty"`
}

// ResolveAlertData targets active alerts by trigger key.
type ResolveAlertData struct {
	Trigger string                 `json:"trigger"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NotificationData is an informational broadcast without alert lifecycle.
type NotificationData struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// WeatherAlertData carries provider weather warnings.
type WeatherAlertData struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
}

// CrewAlertData is a free-form crew broadcast.
type CrewAlertData struct {
	Message string `json:"message"`
}

// SyncProfileData reconfigures client sync behaviour.
type SyncProfileData struct {
	Config map[string]interface{} `json:"config"`
}

// Action is one declarative output of a rule evaluation. Exactly one of the
// payload fields matching Type is set; consumers switch on Type and read only
// that variant.
type Action struct {
	Type         ActionType        `json:"type"`
	CreateAlert  *CreateAlertData  `json:"createAlert,omitempty"`
	ResolveAlert *ResolveAlertData `json:"resolveAlert,omitempty"`
	Notification *NotificationData `json:"notification,omitempty"`
	WeatherAlert *WeatherAlertData `json:"weatherAlert,omitempty"`
	CrewAlert    *CrewAlertData    `json:"crewAlert,omitempty"`
	SyncProfile  *SyncProfileData  `json:"syncProfile,omitempty"`

	RuleID    string    `json:"ruleId"`
	Timestamp time.Time `json:"timestamp"`
}
