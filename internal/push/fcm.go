package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	defaultFCMURL = "https://fcm.googleapis.com/fcm/send"

	fcmTTLSeconds = 3600
	fcmChannelID  = "alerts_high_priority"
)

// FCMConfig holds the legacy server-key credentials.
type FCMConfig struct {
	ServerKey string
	URL       string
}

// Configured reports whether the provider can send.
func (c FCMConfig) Configured() bool { return c.ServerKey != "" }

// FCM sends notifications through the Firebase Cloud Messaging legacy HTTP
// API.
type FCM struct {
	cfg    FCMConfig
	client *http.Client
}

// NewFCM prepares an FCM provider.
func NewFCM(cfg FCMConfig) (*FCM, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("fcm: server key required")
	}
	if cfg.URL == "" {
		cfg.URL = defaultFCMURL
	}
	return &FCM{cfg: cfg, client: &http.Client{}}, nil
}

// Name implements Provider.
func (f *FCM) Name() string { return "fcm" }

// Send implements Provider.
func (f *FCM) Send(ctx context.Context, rec TokenRecord, n Notification) error {
	sound := n.Sound
	if sound == "" {
		sound = "default"
	}
	notification := map[string]interface{}{
		"title":              n.Title,
		"body":               n.Body,
		"sound":              sound,
		"android_channel_id": fcmChannelID,
	}
	msg := map[string]interface{}{
		"to":           rec.Token,
		"priority":     "high",
		"time_to_live": fcmTTLSeconds,
		"notification": notification,
	}
	if len(n.Data) > 0 {
		msg["data"] = n.Data
	}
	if rec.Platform == "ios" {
		// iOS targets routed through FCM still need the APNS envelope.
		msg["content_available"] = true
		msg["mutable_content"] = true
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("fcm: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "key="+f.cfg.ServerKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fcm: status %d", resp.StatusCode)
	}

	var result struct {
		Failure int `json:"failure"`
		Results []struct {
			Error string `json:"error"`
		} `json:"results"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("fcm: decode response: %w", err)
	}
	for _, r := range result.Results {
		switch r.Error {
		case "":
		case "NotRegistered", "InvalidRegistration":
			return ErrInvalidToken
		default:
			return fmt.Errorf("fcm: %s", r.Error)
		}
	}
	return nil
}
