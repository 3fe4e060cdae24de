// Package voipms is a client for the provider's REST SMS API.
//
// Every operation is a GET against a single endpoint with the method and
// credentials passed as query parameters. Responses are JSON with a
// "status" field; anything other than "success" (or "no_sms" on fetches)
// is an API-level failure.
package voipms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultBaseURL is the provider's production API endpoint.
const DefaultBaseURL = "https://www.voip.ms/api/v1/rest.php"

// fetchLimit is sent with every getSMS request; the API requires an
// explicit limit and this effectively disables it.
const fetchLimit = "1000000"

// ProtocolError is an API-level failure: an error status string, or a
// response the client could not interpret. Distinct from transport errors
// since it may indicate an account or credential problem.
type ProtocolError struct {
	Status string // API status string, if the response carried one
	Reason string // description of a malformed response
}

func (e *ProtocolError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("voipms: api status %q", e.Status)
	}
	return fmt.Sprintf("voipms: %s", e.Reason)
}

// Options configures a Client.
type Options struct {
	BaseURL        string // empty = DefaultBaseURL
	Username       string
	Password       string
	ConnectTimeout time.Duration // zero = 15s
	RequestTimeout time.Duration // zero = 60s, bounds the whole call
}

// Client talks to the provider API. Safe for concurrent use.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// NewClient creates a provider API client with connect and read timeouts.
func NewClient(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		username: opts.Username,
		password: opts.Password,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

// Record is one SMS as returned by the getSMS method. All fields arrive as
// strings on the wire.
type Record struct {
	ID      string `json:"id"`
	Date    string `json:"date"`
	Type    string `json:"type"`
	DID     string `json:"did"`
	Contact string `json:"contact"`
	Message string `json:"message"`
}

type apiResponse struct {
	Status string   `json:"status"`
	SMS    []Record `json:"sms"`
}

// GetSMS fetches every message for a DID within [from, to]. The window
// bounds are dates in the server's timezone, inclusive on both ends. An
// empty window is not an error.
func (c *Client) GetSMS(ctx context.Context, did string, from, to time.Time) ([]Record, error) {
	loc := ServerLocation()
	params := url.Values{}
	params.Set("method", "getSMS")
	params.Set("did", did)
	params.Set("limit", fetchLimit)
	params.Set("from", from.In(loc).Format("2006-01-02"))
	params.Set("to", to.In(loc).Format("2006-01-02"))
	params.Set("timezone", serverTimezoneParam)

	resp, err := c.call(ctx, params)
	if err != nil {
		return nil, err
	}
	if resp.Status == "no_sms" {
		return nil, nil
	}
	if resp.Status != "success" {
		return nil, &ProtocolError{Status: resp.Status}
	}
	if resp.SMS == nil {
		return nil, &ProtocolError{Reason: "success response missing sms list"}
	}
	for i, rec := range resp.SMS {
		if rec.ID == "" || rec.Date == "" || rec.Type == "" || rec.DID == "" || rec.Contact == "" {
			return nil, &ProtocolError{Reason: fmt.Sprintf("record %d missing required field", i)}
		}
	}
	return resp.SMS, nil
}

// SendSMS submits an outgoing message. A nil return means the provider
// acknowledged the submission.
func (c *Client) SendSMS(ctx context.Context, did, dst, body string) error {
	params := url.Values{}
	params.Set("method", "sendSMS")
	params.Set("did", did)
	params.Set("dst", dst)
	params.Set("message", body)

	resp, err := c.call(ctx, params)
	if err != nil {
		return err
	}
	if resp.Status != "success" {
		return &ProtocolError{Status: resp.Status}
	}
	return nil
}

// DeleteSMS removes a message from the provider.
func (c *Client) DeleteSMS(ctx context.Context, remoteID int64) error {
	params := url.Values{}
	params.Set("method", "deleteSMS")
	params.Set("id", strconv.FormatInt(remoteID, 10))

	resp, err := c.call(ctx, params)
	if err != nil {
		return err
	}
	if resp.Status != "success" {
		return &ProtocolError{Status: resp.Status}
	}
	return nil
}

func (c *Client) call(ctx context.Context, params url.Values) (*apiResponse, error) {
	params.Set("api_username", c.username)
	params.Set("api_password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("voipms: build request: %w", err)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voipms: request: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected http status %d", res.StatusCode)}
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("voipms: read response: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed response: %v", err)}
	}
	if resp.Status == "" {
		return nil, &ProtocolError{Reason: "response missing status"}
	}
	return &resp, nil
}
