package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"dialcast/internal/apperrors"
	"dialcast/internal/config"
)

// InitiateRequest describes one outbound dial
type InitiateRequest struct {
	From      string
	To        string
	AgentID   string
	CallLogID string // travels to the vendor as a custom field, echoed in webhooks
}

// CallResponse is the vendor acknowledgement of an initiate
type CallResponse struct {
	VendorCallID string
	Status       string
}

// CallStatus is the vendor view of a call, used by the stuck-call monitor
// when webhooks were missed
type CallStatus struct {
	VendorCallID string
	Status       string // queued, ringing, in-progress, completed, failed, busy, no-answer
	DurationSec  int
	AnsweredBy   string // human, machine
}

// Client abstracts the telephony vendor
type Client interface {
	Initiate(ctx context.Context, req InitiateRequest) (*CallResponse, error)
	Cancel(ctx context.Context, vendorCallID string) error
	FetchStatus(ctx context.Context, vendorCallID string) (*CallStatus, error)
}

// HTTPClient talks to the vendor REST API with key/token basic auth
type HTTPClient struct {
	cfg  config.TelephonyConfig
	http *http.Client
}

// NewHTTPClient creates a vendor client from configuration
func NewHTTPClient(cfg config.TelephonyConfig) *HTTPClient {
	return &HTTPClient{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// Initiate places an outbound call
func (c *HTTPClient) Initiate(ctx context.Context, req InitiateRequest) (*CallResponse, error) {
	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	form.Set("CallerId", req.From)
	form.Set("CustomField", req.CallLogID)
	if req.AgentID != "" {
		form.Set("AgentId", req.AgentID)
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/calls/connect", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Call struct {
			Sid    string `json:"sid"`
			Status string `json:"status"`
		} `json:"call"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.UpstreamUnavailable, "VENDOR_BAD_RESPONSE", "undecodable initiate response", err)
	}
	if parsed.Call.Sid == "" {
		return nil, apperrors.New(apperrors.UpstreamUnavailable, "VENDOR_NO_SID", "initiate response carried no call sid")
	}

	return &CallResponse{VendorCallID: parsed.Call.Sid, Status: parsed.Call.Status}, nil
}

// Cancel hangs up an in-flight call
func (c *HTTPClient) Cancel(ctx context.Context, vendorCallID string) error {
	form := url.Values{}
	form.Set("Status", "canceled")

	_, err := c.do(ctx, http.MethodPost, "/v1/calls/"+url.PathEscape(vendorCallID), strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	return err
}

// FetchStatus queries the vendor for the current call state
func (c *HTTPClient) FetchStatus(ctx context.Context, vendorCallID string) (*CallStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/calls/"+url.PathEscape(vendorCallID), nil, "")
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Call struct {
			Sid        string `json:"sid"`
			Status     string `json:"status"`
			Duration   int    `json:"duration"`
			AnsweredBy string `json:"answered_by"`
		} `json:"call"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.UpstreamUnavailable, "VENDOR_BAD_RESPONSE", "undecodable status response", err)
	}

	return &CallStatus{
		VendorCallID: parsed.Call.Sid,
		Status:       parsed.Call.Status,
		DurationSec:  parsed.Call.Duration,
		AnsweredBy:   parsed.Call.AnsweredBy,
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building vendor request: %w", err)
	}
	req.SetBasicAuth(c.cfg.APIKey, c.cfg.APIToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.UpstreamUnavailable, "VENDOR_UNREACHABLE", "vendor request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.UpstreamUnavailable, "VENDOR_READ_FAILED", "reading vendor response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.New(apperrors.Transient, "VENDOR_RATE_LIMITED", "vendor rate limited the request")
	case resp.StatusCode >= 500:
		log.Printf("[Telephony] Vendor %d on %s %s: %s", resp.StatusCode, method, path, truncate(data))
		return nil, apperrors.New(apperrors.UpstreamUnavailable, "VENDOR_ERROR", fmt.Sprintf("vendor returned %d", resp.StatusCode))
	default:
		return nil, apperrors.New(apperrors.Fatal, "VENDOR_REJECTED", fmt.Sprintf("vendor rejected the request with %d", resp.StatusCode))
	}
}

func truncate(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
