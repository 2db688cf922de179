package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"exam-session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"
)

const maxErrorBody = 64 << 10

// ErrNotConfigured is wrapped into the GradingError returned when no base URL is set.
var ErrNotConfigured = errors.New("grading backend not configured")

// Client talks to the grading backend over REST.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Client credentials; when TokenURL is empty requests go out unauthenticated.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func New(cfg Config, log zerolog.Logger) *Client {
	h := &http.Client{}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		h = cc.Client(context.Background())
	}
	if cfg.Timeout > 0 {
		h.Timeout = cfg.Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    h,
		log:     log.With().Str("component", "grading_client").Logger(),
	}
}

type startAttemptRequest struct {
	AssignmentID string `json:"assignmentId,omitempty"`
}

type startAttemptResponse struct {
	DurationSeconds int    `json:"durationSeconds"`
	AssignmentID    string `json:"assignmentId"`
	Message         string `json:"message"`
}

type submitResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Score   *float64 `json:"score"`
	Passed  *bool    `json:"passed"`
}

// StartAttempt asks the backend to open an attempt and returns the granted duration.
func (c *Client) StartAttempt(ctx context.Context, examID, assignmentID string) (domain.AttemptGrant, error) {
	var out startAttemptResponse
	status, err := c.post(ctx, c.examURL(examID, "attempts"), startAttemptRequest{AssignmentID: assignmentID}, &out)
	if err != nil {
		return domain.AttemptGrant{}, err
	}
	if out.DurationSeconds <= 0 {
		return domain.AttemptGrant{}, &domain.GradingError{Status: status, Message: out.Message, Err: domain.ErrInvalidDuration}
	}
	return domain.AttemptGrant{DurationSeconds: out.DurationSeconds, AssignmentID: out.AssignmentID}, nil
}

// Submit posts the final payload. A 2xx with success=false is a failure too.
func (c *Client) Submit(ctx context.Context, payload domain.SubmissionPayload) (domain.SubmissionSummary, error) {
	var out submitResponse
	status, err := c.post(ctx, c.examURL(payload.ExamID, "submissions"), payload, &out)
	if err != nil {
		return domain.SubmissionSummary{}, err
	}
	if !out.Success {
		return domain.SubmissionSummary{}, &domain.GradingError{Status: status, Message: out.Message}
	}
	return domain.SubmissionSummary{
		ExamID:  payload.ExamID,
		Score:   out.Score,
		Passed:  out.Passed,
		Message: out.Message,
	}, nil
}

func (c *Client) examURL(examID, action string) string {
	return c.baseURL + "/exams/" + url.PathEscape(examID) + "/" + action
}

// post sends body as JSON and decodes a 2xx response into out. Transport
// failures and non-2xx statuses come back as *domain.GradingError.
func (c *Client) post(ctx context.Context, endpoint string, body, out interface{}) (int, error) {
	if c.baseURL == "" {
		return 0, &domain.GradingError{Err: ErrNotConfigured}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("request_id", requestID).Str("url", endpoint).Msg("grading request failed")
		return 0, &domain.GradingError{Err: err}
	}
	defer res.Body.Close()
	c.log.Debug().Str("request_id", requestID).Str("url", endpoint).Int("status", res.StatusCode).
		Dur("took", time.Since(start)).Msg("grading request")

	if res.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return res.StatusCode, &domain.GradingError{Status: res.StatusCode, Message: serverMessage(raw)}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && err != io.EOF {
		return res.StatusCode, &domain.GradingError{Status: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return res.StatusCode, nil
}

// serverMessage extracts {"message": ...} or {"error": ...} from an error body.
func serverMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}
