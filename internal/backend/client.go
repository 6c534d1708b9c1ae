// Package backend holds the HTTP client for the CalmRoute backend services:
// stress analysis, intervention decisions, voice command classification, and
// drive lifecycle records.
//
// The backend owns all scoring and classification. This client only moves
// payloads and never retries; the monitoring loop's next cycle is the retry.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/calmroute/calmroute/internal/drive"
	"github.com/calmroute/calmroute/internal/observe"
)

// ErrNoActiveDrive is returned by ActiveDrive when the user has no drive in
// progress.
var ErrNoActiveDrive = errors.New("backend: no active drive")

const defaultTimeout = 20 * time.Second

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 20 s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client talks to the CalmRoute backend. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client for the backend at baseURL. The underlying transport
// pools connections so the 30-second analysis cadence reuses one TLS session.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("backend: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// InterventionRequest asks the backend which intervention fits the current
// stress state. The backend tailors its choice to the user's recorded
// calming preferences, so the user id is required.
type InterventionRequest struct {
	UserID                string          `json:"user_id"`
	DriveID               string          `json:"drive_id"`
	StressScore           float64         `json:"stress_score"`
	StressLevel           string          `json:"stress_level"`
	CurrentLocation       *drive.Location `json:"current_location,omitempty"`
	Destination           *drive.Location `json:"destination,omitempty"`
	CurrentRouteCalmScore int             `json:"current_route_calm_score,omitempty"`
}

// VoiceCommandRequest carries one transcript for classification. Route
// requests are answered with "location needed" unless the current location
// and destination ride along.
type VoiceCommandRequest struct {
	UserID                string          `json:"user_id"`
	DriveID               string          `json:"drive_id"`
	Transcript            string          `json:"transcribed_text"`
	Context               string          `json:"context"`
	CurrentLocation       *drive.Location `json:"current_location,omitempty"`
	Destination           *drive.Location `json:"destination,omitempty"`
	CurrentRouteCalmScore int             `json:"current_route_calm_score,omitempty"`
}

// StartDriveRequest opens a drive record on the backend.
type StartDriveRequest struct {
	UserID            string          `json:"user_id"`
	Origin            *drive.Location `json:"origin,omitempty"`
	Destination       *drive.Location `json:"destination,omitempty"`
	SelectedRouteType string          `json:"selected_route_type,omitempty"`
	RouteCalmScore    int             `json:"route_calm_score,omitempty"`
}

// acceptRerouteRequest records the driver's reroute acceptance.
type acceptRerouteRequest struct {
	RouteName            string `json:"route_name"`
	CalmScoreImprovement int    `json:"calm_score_improvement"`
}

// AnalyzeAudio uploads one opus-packed audio chunk for stress analysis and
// returns the backend's reading.
func (c *Client) AnalyzeAudio(ctx context.Context, driveID string, chunk []byte) (drive.StressReading, error) {
	ctx, span := c.startSpan(ctx, "backend.AnalyzeAudio", attribute.String("drive.id", driveID))
	defer span.End()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("drive_id", driveID); err != nil {
		return drive.StressReading{}, c.fail(span, fmt.Errorf("backend: write drive_id field: %w", err))
	}
	fw, err := mw.CreateFormFile("file", "chunk.opus")
	if err != nil {
		return drive.StressReading{}, c.fail(span, fmt.Errorf("backend: create form file: %w", err))
	}
	if _, err := fw.Write(chunk); err != nil {
		return drive.StressReading{}, c.fail(span, fmt.Errorf("backend: write form file: %w", err))
	}
	if err := mw.Close(); err != nil {
		return drive.StressReading{}, c.fail(span, fmt.Errorf("backend: close multipart writer: %w", err))
	}

	var reading drive.StressReading
	err = c.do(ctx, http.MethodPost, "/api/emotion/audio", &body, mw.FormDataContentType(), &reading)
	if err != nil {
		return drive.StressReading{}, c.fail(span, err)
	}
	return reading, nil
}

// DecideIntervention asks the backend to pick the intervention for the
// current stress state.
func (c *Client) DecideIntervention(ctx context.Context, req InterventionRequest) (drive.Intervention, error) {
	ctx, span := c.startSpan(ctx, "backend.DecideIntervention",
		attribute.String("drive.id", req.DriveID),
		attribute.Float64("stress.score", req.StressScore))
	defer span.End()

	var iv drive.Intervention
	if err := c.doJSON(ctx, http.MethodPost, "/api/intervention/decide", req, &iv); err != nil {
		return drive.Intervention{}, c.fail(span, err)
	}
	return iv, nil
}

// VoiceCommand classifies one transcript into a driver action.
func (c *Client) VoiceCommand(ctx context.Context, req VoiceCommandRequest) (drive.VoiceCommandResult, error) {
	ctx, span := c.startSpan(ctx, "backend.VoiceCommand", attribute.String("drive.id", req.DriveID))
	defer span.End()

	var res drive.VoiceCommandResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/voice/command", req, &res); err != nil {
		return drive.VoiceCommandResult{}, c.fail(span, err)
	}
	return res, nil
}

// AcceptReroute records that the driver accepted the offered route.
func (c *Client) AcceptReroute(ctx context.Context, driveID, routeName string, calmScoreImprovement int) error {
	ctx, span := c.startSpan(ctx, "backend.AcceptReroute", attribute.String("drive.id", driveID))
	defer span.End()

	req := acceptRerouteRequest{RouteName: routeName, CalmScoreImprovement: calmScoreImprovement}
	if err := c.doJSON(ctx, http.MethodPost, "/api/drives/"+driveID+"/accept-reroute", req, nil); err != nil {
		return c.fail(span, err)
	}
	return nil
}

// StartDrive opens a drive record and returns the session the backend
// assigned.
func (c *Client) StartDrive(ctx context.Context, req StartDriveRequest) (drive.Session, error) {
	ctx, span := c.startSpan(ctx, "backend.StartDrive", attribute.String("user.id", req.UserID))
	defer span.End()

	var s drive.Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/drives/start", req, &s); err != nil {
		return drive.Session{}, c.fail(span, err)
	}
	return s, nil
}

// EndDrive closes the drive record.
func (c *Client) EndDrive(ctx context.Context, driveID string) error {
	ctx, span := c.startSpan(ctx, "backend.EndDrive", attribute.String("drive.id", driveID))
	defer span.End()

	if err := c.doJSON(ctx, http.MethodPost, "/api/drives/"+driveID+"/end", nil, nil); err != nil {
		return c.fail(span, err)
	}
	return nil
}

// ActiveDrive returns the user's drive in progress, or ErrNoActiveDrive.
func (c *Client) ActiveDrive(ctx context.Context, userID string) (drive.Session, error) {
	ctx, span := c.startSpan(ctx, "backend.ActiveDrive", attribute.String("user.id", userID))
	defer span.End()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/users/"+userID+"/active-drive", nil, "")
	if err != nil {
		return drive.Session{}, c.fail(span, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return drive.Session{}, c.fail(span, fmt.Errorf("backend: GET active-drive: %w", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return drive.Session{}, ErrNoActiveDrive
	default:
		return drive.Session{}, c.fail(span, fmt.Errorf("backend: GET active-drive returned status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return drive.Session{}, c.fail(span, fmt.Errorf("backend: read active-drive response: %w", err))
	}
	// The endpoint answers null when no drive is open.
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return drive.Session{}, ErrNoActiveDrive
	}
	var s drive.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return drive.Session{}, c.fail(span, fmt.Errorf("backend: decode active-drive response: %w", err))
	}
	return s, nil
}

// ---- plumbing ----

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return observe.StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// fail records err on the span and passes it through.
func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("backend: create %s %s request: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// do sends body with the given content type and decodes the JSON response
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("backend: %s %s returned status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", path, err)
	}
	return nil
}

// doJSON marshals in as the JSON request body. A nil in sends no body.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}
