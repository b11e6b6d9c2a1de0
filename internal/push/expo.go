package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const defaultExpoURL = "https://exp.host/--/api/v2/push/send"

// ExpoConfig holds Expo push settings. The access token is optional.
type ExpoConfig struct {
	AccessToken string
	URL         string
}

// Expo sends notifications through the Expo push API for Expo-managed
// clients.
type Expo struct {
	cfg    ExpoConfig
	client *http.Client
}

// NewExpo prepares an Expo provider.
func NewExpo(cfg ExpoConfig) *Expo {
	if cfg.URL == "" {
		cfg.URL = defaultExpoURL
	}
	return &Expo{cfg: cfg, client: &http.Client{}}
}

// Name implements Provider.
func (e *Expo) Name() string { return "expo" }

// Send implements Provider.
func (e *Expo) Send(ctx context.Context, rec TokenRecord, n Notification) error {
	sound := n.Sound
	if sound == "" {
		sound = "default"
	}
	msg := map[string]interface{}{
		"to":        rec.Token,
		"title":     n.Title,
		"body":      n.Body,
		"sound":     sound,
		"priority":  "high",
		"channelId": fcmChannelID,
	}
	if len(n.Data) > 0 {
		msg["data"] = n.Data
	}
	if n.Badge != nil {
		msg["badge"] = *n.Badge
	}

	body, err := json.Marshal([]interface{}{msg})
	if err != nil {
		return fmt.Errorf("expo: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.AccessToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expo: status %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Status  string `json:"status"`
			Message string `json:"message"`
			Details struct {
				Error string `json:"error"`
			} `json:"details"`
		} `json:"data"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("expo: decode response: %w", err)
	}
	for _, ticket := range result.Data {
		if ticket.Status == "error" {
			if ticket.Details.Error == "DeviceNotRegistered" {
				return ErrInvalidToken
			}
			return fmt.Errorf("expo: %s", ticket.Message)
		}
	}
	return nil
}
