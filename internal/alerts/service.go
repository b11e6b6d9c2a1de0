// Package alerts owns the alert lifecycle: rule actions become alert
// records under alerts.active, resolution moves them to alerts.resolved,
// and an expiry sweeper retires short-lived informational alerts. All
// mutations go through the state manager as whole-array replace patches so
// downstream consumers see coherent deltas.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/windlass/relay/internal/events"
	"github.com/windlass/relay/internal/metrics"
	"github.com/windlass/relay/internal/rules"
	"github.com/windlass/relay/internal/state"
	"github.com/windlass/relay/internal/telemetry"
)

const (
	// maxResolvedRetained bounds alerts.resolved in the live document.
	// Full history lives in SQLite.
	maxResolvedRetained = 50

	// resolutionNoticeTTL is how long the informational "<trigger>_resolved"
	// alert stays active before the sweeper expires it.
	resolutionNoticeTTL = 60 * time.Second

	// DefaultSweepInterval is how often the expiry sweeper runs.
	DefaultSweepInterval = 10 * time.Second
)

// StateAPI is the slice of the state manager the alert service needs.
type StateAPI interface {
	ApplyPatch(ops []state.PatchOp) error
	Snapshot() map[string]interface{}
}

// Pusher delivers phone notifications for alerts. Implementations must not
// block; delivery happens on their own goroutines.
type Pusher interface {
	SendAlertNotification(title, message string, data map[string]interface{})
}

// Options configures a Service.
type Options struct {
	State         StateAPI
	Bus           *events.Bus
	Logger        *zap.Logger
	Pusher        Pusher
	History       *History
	SweepInterval time.Duration
}

// Service manages alert records in the state document. mu serializes the
// read-modify-write cycles on the alert arrays; rule actions, client
// commands and the sweeper all arrive on different goroutines.
type Service struct {
	state   StateAPI
	bus     *events.Bus
	logger  *zap.Logger
	pusher  Pusher
	history *History
	sweep   time.Duration

	mu sync.Mutex
}

// NewService creates an alert service.
func NewService(opts Options) (*Service, error) {
	if opts.State == nil {
		return nil, fmt.Errorf("alerts: state required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Service{
		state:   opts.State,
		bus:     opts.Bus,
		logger:  logger,
		pusher:  opts.Pusher,
		history: opts.History,
		sweep:   sweep,
	}, nil
}

// Start runs the expiry sweeper until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.sweepExpired(); err != nil {
					s.logger.Warn("alert expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// ProcessActions consumes a batch of rule actions. Individual failures are
// logged and do not stop the batch.
func (s *Service) ProcessActions(actions []rules.Action) {
	for _, act := range actions {
		var err error
		switch act.Type {
		case rules.ActionCreateAlert:
			if act.CreateAlert != nil {
				_, err = s.CreateAlert(*act.CreateAlert, act.RuleID)
			}
		case rules.ActionResolveAlert:
			if act.ResolveAlert != nil {
				_, err = s.ResolveAlertsByTrigger(act.ResolveAlert.Trigger, act.ResolveAlert.Data)
			}
		case rules.ActionWeatherAlert:
			if act.WeatherAlert != nil {
				_, err = s.CreateAlert(rules.CreateAlertData{
					Type:     "weather",
					Category: "weather",
					Source:   "weather-feed",
					Level:    act.WeatherAlert.Severity,
					Label:    "Weather Warning",
					Trigger:  "weather_" + act.WeatherAlert.Code,
					Message:  act.WeatherAlert.Message,
				}, act.RuleID)
			}
		case rules.ActionNotification:
			if act.Notification != nil && s.pusher != nil {
				s.pusher.SendAlertNotification(act.Notification.Category, act.Notification.Message, map[string]interface{}{
					"severity": act.Notification.Severity,
				})
			}
		case rules.ActionCrewAlert:
			if act.CrewAlert != nil && s.pusher != nil {
				s.pusher.SendAlertNotification("Crew Alert", act.CrewAlert.Message, nil)
			}
		default:
			s.logger.Debug("ignoring rule action", zap.String("type", string(act.Type)))
		}
		if err != nil {
			s.logger.Warn("rule action failed",
				zap.String("type", string(act.Type)),
				zap.String("rule", act.RuleID),
				zap.Error(err),
			)
		}
	}
}

// CreateAlert records a new active alert. If an unacknowledged active alert
// with the same trigger already exists the call is a no-op and returns nil.
func (s *Service) CreateAlert(data rules.CreateAlertData, ruleID string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAlertLocked(data, ruleID)
}

func (s *Service) createAlertLocked(data rules.CreateAlertData, ruleID string) (*Alert, error) {
	_, span := telemetry.StartAlertSpan(context.Background(), "create", data.Trigger)
	defer span.End()

	active, resolved := s.loadLists()

	if data.Trigger != "" {
		for _, a := range active {
			if a.Trigger == data.Trigger && !a.Acknowledged {
				return nil, nil
			}
		}
	}

	now := time.Now().UTC()
	alert := Alert{
		ID:                uuid.NewString(),
		Type:              data.Type,
		Category:          data.Category,
		Source:            data.Source,
		Level:             data.Level,
		Label:             data.Label,
		Message:           data.Message,
		Trigger:           data.Trigger,
		Data:              data.Data,
		Status:            StatusActive,
		PhoneNotification: data.PhoneNotification,
		Sticky:            data.Sticky,
		AutoResolvable:    data.AutoResolvable,
		AutoExpire:        data.AutoExpire,
		DateCreated:       now,
		RuleID:            ruleID,
	}
	if data.AutoExpire {
		ttl := time.Duration(data.ExpiresInMillis) * time.Millisecond
		if ttl <= 0 {
			ttl = resolutionNoticeTTL
		}
		at := now.Add(ttl)
		alert.ExpiresAt = &at
	}

	active = append(active, alert)
	if err := s.writeLists(active, resolved); err != nil {
		return nil, err
	}

	metrics.AlertsCreated.WithLabelValues(alert.Trigger).Inc()
	metrics.ActiveAlerts.Set(float64(len(active)))
	s.publish(events.AlertCreated, alert.Message, alert)
	if s.history != nil {
		if err := s.history.RecordCreated(alert); err != nil {
			s.logger.Warn("alert history insert failed", zap.Error(err))
		}
	}
	if alert.PhoneNotification && s.pusher != nil {
		title := alert.Label
		if title == "" {
			title = alert.Level
		}
		s.pusher.SendAlertNotification(title, alert.Message, notificationData(alert))
	}

	s.logger.Info("alert created",
		zap.String("id", alert.ID),
		zap.String("trigger", alert.Trigger),
		zap.String("level", alert.Level),
	)
	return &alert, nil
}

// ResolveAlertsByTrigger moves every auto-resolvable, unacknowledged active
// alert with the trigger to alerts.resolved and raises one short-lived
// informational alert announcing the resolution. Acknowledged alerts stay
// active until a human dismisses them.
func (s *Service) ResolveAlertsByTrigger(trigger string, resolution map[string]interface{}) (int, error) {
	if trigger == "" {
		return 0, fmt.Errorf("trigger required")
	}
	_, span := telemetry.StartAlertSpan(context.Background(), "resolve", trigger)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	active, resolved := s.loadLists()

	now := time.Now().UTC()
	kept := active[:0]
	moved := make([]Alert, 0, 1)
	for _, a := range active {
		if a.Trigger == trigger && a.AutoResolvable && !a.Acknowledged {
			a.Status = StatusResolved
			a.DateResolved = &now
			a.ResolutionData = mergeResolution(resolution)
			moved = append(moved, a)
			continue
		}
		kept = append(kept, a)
	}
	if len(moved) == 0 {
		return 0, nil
	}

	resolved = append(resolved, moved...)
	if err := s.writeLists(kept, resolved); err != nil {
		return 0, err
	}

	metrics.ActiveAlerts.Set(float64(len(kept)))
	for _, a := range moved {
		s.publish(events.AlertResolved, a.Message, a)
		if s.history != nil {
			if err := s.history.RecordResolved(a); err != nil {
				s.logger.Warn("alert history update failed", zap.Error(err))
			}
		}
	}

	message, _ := resolution["message"].(string)
	if message == "" {
		message = fmt.Sprintf("Condition %s has cleared", trigger)
	}
	if _, err := s.createAlertLocked(rules.CreateAlertData{
		Type:       "notification",
		Category:   "resolution",
		Source:     "alert-service",
		Level:      "info",
		Label:      "Resolved",
		Trigger:    trigger + "_resolved",
		Message:    message,
		AutoExpire: true,
	}, ""); err != nil {
		s.logger.Warn("resolution notice failed", zap.String("trigger", trigger), zap.Error(err))
	}

	s.logger.Info("alerts resolved", zap.String("trigger", trigger), zap.Int("count", len(moved)))
	return len(moved), nil
}

// AcknowledgeAlert marks an active alert as acknowledged. Acknowledged
// alerts are exempt from auto-resolution and duplicate suppression.
func (s *Service) AcknowledgeAlert(id string) error {
	return s.mutateActive(id, func(a *Alert) { a.Acknowledged = true })
}

// MuteAlert toggles the muted flag on an active alert. A non-nil until
// bounds the mute; the sweeper clears it once the deadline passes.
func (s *Service) MuteAlert(id string, muted bool, until *time.Time) error {
	return s.mutateActive(id, func(a *Alert) {
		a.Muted = muted
		if muted {
			a.MutedUntil = until
		} else {
			a.MutedUntil = nil
		}
	})
}

// ResolveAlert resolves one active alert by id regardless of its
// auto-resolution settings. Used for explicit dismissal from a client.
func (s *Service) ResolveAlert(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, resolved := s.loadLists()

	now := time.Now().UTC()
	idx := -1
	for i, a := range active {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("alert %s not active", id)
	}

	alert := active[idx]
	alert.Status = StatusResolved
	alert.DateResolved = &now
	alert.ResolutionData = map[string]interface{}{"manual": true}

	active = append(active[:idx], active[idx+1:]...)
	resolved = append(resolved, alert)
	if err := s.writeLists(active, resolved); err != nil {
		return err
	}

	metrics.ActiveAlerts.Set(float64(len(active)))
	s.publish(events.AlertResolved, alert.Message, alert)
	if s.history != nil {
		if err := s.history.RecordResolved(alert); err != nil {
			s.logger.Warn("alert history update failed", zap.Error(err))
		}
	}
	return nil
}

// ActiveAlerts returns the decoded alerts.active list.
func (s *Service) ActiveAlerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, _ := s.loadLists()
	return active
}

// sweepExpired retires active alerts whose expiry has passed.
func (s *Service) sweepExpired() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, resolved := s.loadLists()

	now := time.Now().UTC()
	kept := active[:0]
	expired := make([]Alert, 0)
	unmuted := 0
	for _, a := range active {
		if a.AutoExpire && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
			a.Status = StatusExpired
			a.DateResolved = &now
			expired = append(expired, a)
			continue
		}
		if a.Muted && a.MutedUntil != nil && !now.Before(*a.MutedUntil) {
			a.Muted = false
			a.MutedUntil = nil
			unmuted++
		}
		kept = append(kept, a)
	}
	if len(expired) == 0 && unmuted == 0 {
		return nil
	}
	if len(expired) == 0 {
		return s.writeLists(kept, resolved)
	}

	resolved = append(resolved, expired...)
	if err := s.writeLists(kept, resolved); err != nil {
		return err
	}

	metrics.ActiveAlerts.Set(float64(len(kept)))
	for _, a := range expired {
		s.publish(events.AlertExpired, a.Message, a)
		if s.history != nil {
			if err := s.history.RecordResolved(a); err != nil {
				s.logger.Warn("alert history update failed", zap.Error(err))
			}
		}
	}
	return nil
}

func (s *Service) mutateActive(id string, fn func(*Alert)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, resolved := s.loadLists()
	for i := range active {
		if active[i].ID == id {
			fn(&active[i])
			return s.writeLists(active, resolved)
		}
	}
	return fmt.Errorf("alert %s not active", id)
}

// loadLists decodes alerts.active and alerts.resolved from the current
// snapshot. Malformed entries are dropped with a warning.
// notificationData is the alert's payload merged with the identifying
// fields clients route on. Identifying fields win on key collision.
func notificationData(a Alert) map[string]interface{} {
	data := make(map[string]interface{}, len(a.Data)+3)
	for k, v := range a.Data {
		data[k] = v
	}
	data["alertId"] = a.ID
	data["alertType"] = a.Type
	data["timestamp"] = a.DateCreated.UTC().Format(time.RFC3339)
	return data
}

func (s *Service) loadLists() (active, resolved []Alert) {
	snap := s.state.Snapshot()
	alertsNode, _ := snap["alerts"].(map[string]interface{})
	active = decodeList(alertsNode["active"], s.logger)
	resolved = decodeList(alertsNode["resolved"], s.logger)
	return active, resolved
}

func decodeList(v interface{}, logger *zap.Logger) []Alert {
	raw, _ := v.([]interface{})
	out := make([]Alert, 0, len(raw))
	for _, item := range raw {
		a, ok := alertFromDocument(item)
		if !ok {
			logger.Warn("dropping malformed alert entry", zap.Any("entry", item))
			continue
		}
		out = append(out, a)
	}
	return out
}

// writeLists replaces both alert arrays in one patch. Whole-array replaces
// keep the rule engine's path cache coherent.
func (s *Service) writeLists(active, resolved []Alert) error {
	if len(resolved) > maxResolvedRetained {
		resolved = resolved[len(resolved)-maxResolvedRetained:]
	}
	return s.state.ApplyPatch([]state.PatchOp{
		{Op: "replace", Path: "/alerts/active", Value: encodeList(active)},
		{Op: "replace", Path: "/alerts/resolved", Value: encodeList(resolved)},
	})
}

func encodeList(list []Alert) []interface{} {
	out := make([]interface{}, 0, len(list))
	for _, a := range list {
		out = append(out, a.asDocument())
	}
	return out
}

func (s *Service) publish(typ events.EventType, summary string, alert Alert) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: typ, Summary: summary, Detail: alert})
}

func mergeResolution(resolution map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"autoResolved": true}
	for k, v := range resolution {
		out[k] = v
	}
	return out
}
