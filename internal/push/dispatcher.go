package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/windlass/relay/internal/metrics"
	"github.com/windlass/relay/internal/telemetry"
)

const (
	// SendTimeout bounds each provider call. A timed-out send is dropped,
	// not retried, and never purges the token.
	SendTimeout = 5 * time.Second

	purgeInterval = 24 * time.Hour
)

// DispatcherOptions configures a Dispatcher. APNS is created lazily on
// first use via the factory so missing credentials only surface when an
// iOS client actually registers.
type DispatcherOptions struct {
	Store       *Store
	Logger      *zap.Logger
	APNSFactory func() (Provider, error)
	FCM         Provider
	Expo        Provider
	TokenMaxAge time.Duration
}

// Dispatcher fans alert notifications out to registered tokens, skipping
// clients with a live transport.
type Dispatcher struct {
	store  *Store
	logger *zap.Logger
	fcm    Provider
	expo   Provider
	maxAge time.Duration

	apnsOnce    sync.Once
	apnsFactory func() (Provider, error)
	apns        Provider
	apnsErr     error

	mu     sync.Mutex
	active map[string]bool
}

// NewDispatcher creates a push dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("push: store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAge := opts.TokenMaxAge
	if maxAge <= 0 {
		maxAge = DefaultTokenMaxAge
	}
	return &Dispatcher{
		store:       opts.Store,
		logger:      logger,
		fcm:         opts.FCM,
		expo:        opts.Expo,
		maxAge:      maxAge,
		apnsFactory: opts.APNSFactory,
		active:      make(map[string]bool),
	}, nil
}

// Start runs the periodic token purge until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := d.store.PurgeOlderThan(d.maxAge); n > 0 {
					d.logger.Info("purged stale push tokens", zap.Int("count", n))
				}
			}
		}
	}()
}

// SetClientActive marks a client as having a live transport. Active
// clients receive no pushes.
func (d *Dispatcher) SetClientActive(clientID string) {
	d.mu.Lock()
	d.active[clientID] = true
	d.mu.Unlock()
	d.store.Touch(clientID)
}

// SetClientInactive clears the live-transport mark.
func (d *Dispatcher) SetClientInactive(clientID string) {
	d.mu.Lock()
	delete(d.active, clientID)
	d.mu.Unlock()
	d.store.Touch(clientID)
}

// RegisterPushToken stores a client's token and issues a verification
// notification to that client only.
func (d *Dispatcher) RegisterPushToken(clientID, platform, token, deviceID string) error {
	if clientID == "" || token == "" {
		return fmt.Errorf("push: clientId and token required")
	}
	switch platform {
	case "ios", "android", "expo":
	default:
		return fmt.Errorf("push: unknown platform %q", platform)
	}

	rec := TokenRecord{Platform: platform, Token: token, DeviceID: deviceID}
	d.store.Set(clientID, rec)
	d.logger.Info("push token registered",
		zap.String("client", clientID),
		zap.String("platform", platform),
	)

	stored, _ := d.store.Get(clientID)
	go d.sendTo(clientID, stored, Notification{
		Title: "Registration Verified",
		Body:  "This device will receive boat alerts.",
	})
	return nil
}

// UnregisterPushToken drops a client's token.
func (d *Dispatcher) UnregisterPushToken(clientID string) {
	d.store.Delete(clientID)
	d.logger.Info("push token unregistered", zap.String("client", clientID))
}

// SendAlertNotification fans one alert out to every registered token whose
// client has no live transport. Sends run concurrently and never block the
// caller.
func (d *Dispatcher) SendAlertNotification(title, message string, data map[string]interface{}) {
	n := Notification{Title: title, Body: message, Data: data, Priority: "high"}

	d.mu.Lock()
	skip := make(map[string]bool, len(d.active))
	for id := range d.active {
		skip[id] = true
	}
	d.mu.Unlock()

	for clientID, rec := range d.store.All() {
		if skip[clientID] {
			continue
		}
		go d.sendTo(clientID, rec, n)
	}
}

func (d *Dispatcher) sendTo(clientID string, rec TokenRecord, n Notification) {
	provider, err := d.providerFor(rec)
	if err != nil {
		d.logger.Debug("no push provider for client",
			zap.String("client", clientID),
			zap.String("platform", rec.Platform),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
	defer cancel()

	ctx, span := telemetry.StartPushSpan(ctx, provider.Name(), rec.Platform)

	err = provider.Send(ctx, rec, n)
	switch {
	case err == nil:
		metrics.PushSends.WithLabelValues(provider.Name(), "ok").Inc()
		telemetry.EndPushSpan(span, "ok")
	case errors.Is(err, ErrInvalidToken):
		metrics.PushSends.WithLabelValues(provider.Name(), "invalid_token").Inc()
		telemetry.EndPushSpan(span, "invalid_token")
		d.store.Delete(clientID)
		d.logger.Info("purged invalid push token", zap.String("client", clientID))
	default:
		metrics.PushSends.WithLabelValues(provider.Name(), "error").Inc()
		telemetry.EndPushSpan(span, "error")
		d.logger.Warn("push send failed",
			zap.String("client", clientID),
			zap.String("provider", provider.Name()),
			zap.Error(err),
		)
	}
}

// providerFor picks the provider by platform: iOS prefers APNS with FCM as
// fallback, Android prefers FCM with Expo as fallback, Expo-managed clients
// always use Expo.
func (d *Dispatcher) providerFor(rec TokenRecord) (Provider, error) {
	switch rec.Platform {
	case "ios":
		if p := d.apnsProvider(); p != nil {
			return p, nil
		}
		if d.fcm != nil {
			return d.fcm, nil
		}
		return nil, fmt.Errorf("neither APNS nor FCM configured")
	case "android":
		if d.fcm != nil {
			return d.fcm, nil
		}
		if d.expo != nil {
			return d.expo, nil
		}
		return nil, fmt.Errorf("neither FCM nor Expo configured")
	case "expo":
		if d.expo != nil {
			return d.expo, nil
		}
		return nil, fmt.Errorf("Expo not configured")
	default:
		return nil, fmt.Errorf("unknown platform %q", rec.Platform)
	}
}

func (d *Dispatcher) apnsProvider() Provider {
	d.apnsOnce.Do(func() {
		if d.apnsFactory == nil {
			return
		}
		d.apns, d.apnsErr = d.apnsFactory()
		if d.apnsErr != nil {
			d.logger.Warn("APNS disabled", zap.Error(d.apnsErr))
		}
	})
	return d.apns
}
