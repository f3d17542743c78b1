package frappe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const userAgent = "erpsync/0.1"

// staleTimestampMarkers are the substrings Frappe embeds in the response body
// when an update is rejected because the document was modified after the
// sender observed it. Matched case-insensitively against _server_messages,
// message, and the raw body.
var staleTimestampMarkers = []string{
	"timestamp mismatch",
	"document has been modified",
	"has been modified after you have opened it",
}

// Client is an HTTP client for one Frappe/ERPNext instance. It handles
// request construction, token authentication, and error classification.
// A Client is safe for concurrent use by distinct callers; the credentials
// are read-only after construction.
type Client struct {
	baseURL    string
	name       string
	authHeader string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the Frappe instance at baseURL.
// name is a human label for the side ("Cloud" or "Local") used in logs.
func NewClient(baseURL, apiKey, apiSecret, name string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		name:       name,
		authHeader: "token " + apiKey + ":" + apiSecret,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name returns the human label of this instance ("Cloud" or "Local").
func (c *Client) Name() string {
	return c.name
}

// apiEnvelope is the standard Frappe response wrapper.
type apiEnvelope struct {
	Data           json.RawMessage `json:"data"`
	Message        json.RawMessage `json:"message"`
	ServerMessages string          `json:"_server_messages"`
}

// do executes one HTTP request and decodes the Frappe envelope. A non-2xx
// response is returned as an *APIError; the envelope from the error body is
// also returned so callers can inspect _server_messages.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*apiEnvelope, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("frappe: encoding %s %s body: %w", method, path, err)
		}

		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("frappe: creating request: %w", err)
	}

	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("frappe: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("frappe: %s %s: reading response: %w", method, path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Debug("request failed",
			slog.String("instance", c.name),
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return nil, newAPIError(method, reqURL, resp.StatusCode, respBody)
	}

	c.logger.Debug("request succeeded",
		slog.String("instance", c.name),
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)

	envelope := &apiEnvelope{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, envelope); err != nil {
			return nil, fmt.Errorf("frappe: %s %s: decoding response: %w", method, path, err)
		}
	}

	return envelope, nil
}

// isStaleTimestamp reports whether err is an update rejection caused by the
// optimistic-concurrency check on the target. Frappe surfaces these in
// _server_messages or message inside the JSON error body, or in the raw
// body text, with well-known phrases.
func isStaleTimestamp(err error) bool {
	apiErr, ok := asAPIError(err)
	if !ok {
		return false
	}

	text := apiErr.Body

	var decoded struct {
		ServerMessages string `json:"_server_messages"`
		Message        string `json:"message"`
	}

	if jsonErr := json.Unmarshal([]byte(apiErr.Body), &decoded); jsonErr == nil {
		if decoded.ServerMessages != "" {
			text = decoded.ServerMessages
		} else if decoded.Message != "" {
			text = decoded.Message
		}
	}

	lower := strings.ToLower(text)

	for _, marker := range staleTimestampMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return false
}

// asAPIError unwraps err to an *APIError if there is one in the chain.
func asAPIError(err error) (*APIError, bool) {
	for err != nil {
		if apiErr, ok := err.(*APIError); ok { //nolint:errorlint // manual unwrap loop
			return apiErr, true
		}

		u, ok := err.(interface{ Unwrap() error }) //nolint:errorlint // manual unwrap loop
		if !ok {
			return nil, false
		}

		err = u.Unwrap()
	}

	return nil, false
}

// decodeDocument unmarshals the envelope data field into a Document.
func decodeDocument(envelope *apiEnvelope) (Document, error) {
	if len(envelope.Data) == 0 {
		return nil, fmt.Errorf("frappe: response has no data field")
	}

	var doc Document
	if err := json.Unmarshal(envelope.Data, &doc); err != nil {
		return nil, fmt.Errorf("frappe: decoding document: %w", err)
	}

	return doc, nil
}

// timestampFormats are the two wire formats Frappe uses for the modified
// field, fractional seconds first.
var timestampFormats = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a Frappe modified timestamp into a time.Time.
// Returns the zero time and false when the value is absent or unparseable;
// callers use the false return as a sentinel earlier than all valid values
// for conflict tie-breaking, and must never persist it.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}
