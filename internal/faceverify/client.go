package faceverify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnavailable means the recognition service could not be reached.
	ErrUnavailable = errors.New("face service unavailable")
	// ErrRejected means the recognition service refused the image, e.g. no face was found.
	ErrRejected = errors.New("face service rejected the image")
)

// DefaultThreshold is the minimum similarity accepted as a match.
const DefaultThreshold = 0.6

// Result is the outcome of one verification.
type Result struct {
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
	Match      bool    `json:"match"`
}

type verifyRequest struct {
	UserID       string `json:"user_id"`
	FaceImage    string `json:"face_image"` // base64
	ReferenceKey string `json:"reference_key,omitempty"`
}

type verifyResponse struct {
	Similarity *float64 `json:"similarity"`
	Error      string   `json:"error,omitempty"`
}

// Client talks to the face-recognition service.
type Client struct {
	baseURL   string
	threshold float64
	http      *http.Client
	logger    *zap.Logger
}

// NewClient creates a client for the service at baseURL. A non-positive threshold selects DefaultThreshold.
func NewClient(baseURL string, threshold float64, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		threshold: threshold,
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Verify compares image against the face registered for userID.
func (c *Client) Verify(ctx context.Context, userID, referenceKey string, image []byte) (Result, error) {
	body, err := json.Marshal(verifyRequest{
		UserID:       userID,
		FaceImage:    base64.StdEncoding.EncodeToString(image),
		ReferenceKey: referenceKey,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("face service request failed", zap.String("user_id", userID), zap.Error(err))
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil && resp.StatusCode == http.StatusOK {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return Result{}, fmt.Errorf("%w: %s", ErrRejected, msg)
	case out.Similarity == nil:
		return Result{}, fmt.Errorf("%w: response has no similarity", ErrUnavailable)
	}

	r := Result{Similarity: *out.Similarity, Threshold: c.threshold}
	r.Match = r.Similarity >= c.threshold
	c.logger.Debug("face verified", zap.String("user_id", userID), zap.Float64("similarity", r.Similarity), zap.Bool("match", r.Match))
	return r, nil
}
