package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	apnsProductionHost = "https://api.push.apple.com"
	apnsSandboxHost    = "https://api.sandbox.push.apple.com"

	// Apple rejects provider tokens older than an hour; refresh at 50 min.
	apnsBearerLifetime = 50 * time.Minute

	apnsExpirySeconds = 3600
)

// APNSConfig holds the token-based APNS credentials.
type APNSConfig struct {
	KeyID      string
	TeamID     string
	KeyFile    string
	Topic      string
	Production bool
}

// Configured reports whether the minimum credential set is present.
func (c APNSConfig) Configured() bool {
	return c.KeyID != "" && c.TeamID != "" && c.KeyFile != "" && c.Topic != ""
}

// APNS sends HTTP/2 token-based notifications to Apple's push service.
type APNS struct {
	cfg    APNSConfig
	key    *ecdsa.PrivateKey
	host   string
	client *http.Client

	mu           sync.Mutex
	bearer       string
	bearerIssued time.Time
}

// NewAPNS loads the signing key and prepares a provider.
func NewAPNS(cfg APNSConfig) (*APNS, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("apns: incomplete configuration")
	}
	pem, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("apns: read key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("apns: parse key: %w", err)
	}

	host := apnsSandboxHost
	if cfg.Production {
		host = apnsProductionHost
	}
	return &APNS{
		cfg:    cfg,
		key:    key,
		host:   host,
		client: &http.Client{},
	}, nil
}

// Name implements Provider.
func (a *APNS) Name() string { return "apns" }

// Send implements Provider.
func (a *APNS) Send(ctx context.Context, rec TokenRecord, n Notification) error {
	bearer, err := a.bearerToken()
	if err != nil {
		return err
	}

	aps := map[string]interface{}{
		"alert": map[string]interface{}{
			"title": n.Title,
			"body":  n.Body,
		},
	}
	if n.Sound != "" {
		aps["sound"] = n.Sound
	} else {
		aps["sound"] = "default"
	}
	if n.Badge != nil {
		aps["badge"] = *n.Badge
	}
	payload := map[string]interface{}{"aps": aps}
	for k, v := range n.Data {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("apns: encode payload: %w", err)
	}

	url := a.host + "/3/device/" + rec.Token
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", a.cfg.Topic)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("apns-expiration", strconv.FormatInt(time.Now().Unix()+apnsExpirySeconds, 10))
	req.Header.Set("content-type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode == http.StatusGone {
		return ErrInvalidToken
	}

	var apiErr struct {
		Reason string `json:"reason"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &apiErr)
	switch apiErr.Reason {
	case "BadDeviceToken", "Unregistered", "DeviceTokenNotForTopic":
		return ErrInvalidToken
	}
	return fmt.Errorf("apns: status %d reason %q", resp.StatusCode, apiErr.Reason)
}

// bearerToken returns a cached provider token, re-signing when stale.
func (a *APNS) bearerToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if a.bearer != "" && now.Sub(a.bearerIssued) < apnsBearerLifetime {
		return a.bearer, nil
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": a.cfg.TeamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = a.cfg.KeyID
	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("apns: sign provider token: %w", err)
	}
	a.bearer = signed
	a.bearerIssued = now
	return signed, nil
}
