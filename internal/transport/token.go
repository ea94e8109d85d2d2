package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DeviceTokenRefresh returns a refresh function that exchanges the device's
// provisioning key for a bearer token at the backend's device-auth endpoint.
// The returned closure matches session.RefreshFunc.
func DeviceTokenRefresh(baseURL, deviceID, deviceKey string, timeout time.Duration) func(ctx context.Context) (string, error) {
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context) (string, error) {
		body, err := json.Marshal(map[string]string{
			"device_id":  deviceID,
			"device_key": deviceKey,
		})
		if err != nil {
			return "", fmt.Errorf("marshal token request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			baseURL+"/api/v1/auth/device", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("token request: %w", err)
		}
		defer resp.Body.Close()

		if err := checkStatus(resp); err != nil {
			return "", err
		}

		var tr struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		if tr.Token == "" {
			return "", fmt.Errorf("empty token in auth response")
		}
		return tr.Token, nil
	}
}
