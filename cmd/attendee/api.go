package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/electrothon/attendance/internal/models"
)

// apiClient calls the REST surface of the attendance server.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

type tokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

type frequencyResponse struct {
	ClassID   string `json:"class_id"`
	Frequency []int  `json:"frequency"`
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), token: token, http: &http.Client{Timeout: 15 * time.Second}}
}

func (a *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: status %d: decode response: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (a *apiClient) login(ctx context.Context, email, password string) (*tokenResponse, error) {
	var out tokenResponse
	err := a.do(ctx, http.MethodPost, "/user/login", map[string]string{"email": email, "password": password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *apiClient) me(ctx context.Context) (*models.UserPublic, error) {
	if a.token == "" {
		return nil, errors.New("no token: run `attendee login` and export ATTENDANCE_TOKEN")
	}
	var out models.UserPublic
	if err := a.do(ctx, http.MethodGet, "/user/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// generateFrequency asks the server for fresh targets for a class.
func (a *apiClient) generateFrequency(ctx context.Context, classID string) ([]int, error) {
	var out frequencyResponse
	if err := a.do(ctx, http.MethodPost, "/class/"+classID+"/frequency", nil, &out); err != nil {
		return nil, err
	}
	return out.Frequency, nil
}

func (a *apiClient) frequency(ctx context.Context, classID string) ([]int, error) {
	var out frequencyResponse
	if err := a.do(ctx, http.MethodGet, "/class/"+classID+"/frequency", nil, &out); err != nil {
		return nil, err
	}
	return out.Frequency, nil
}
