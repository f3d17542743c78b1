package frappe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// updateAttempts is the total number of PUT attempts made by UpdateDoc when
// stale-timestamp retry is enabled: the initial write plus two retries.
const updateAttempts = 3

// resourcePath builds the api/resource path for a doctype or document.
func resourcePath(doctype, docname string) string {
	p := "/api/resource/" + url.PathEscape(doctype)
	if docname != "" {
		p += "/" + url.PathEscape(docname)
	}

	return p
}

// GetDoc fetches a single document. Returns (nil, nil) when the remote
// responds 404 — absence is a first-class answer that drives delete
// propagation, not an error.
func (c *Client) GetDoc(ctx context.Context, doctype, docname string) (Document, error) {
	envelope, err := c.do(ctx, http.MethodGet, resourcePath(doctype, docname), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", doctype, docname, err)
	}

	return decodeDocument(envelope)
}

// ListOptions narrows a ListDocs call. Filters and Fields are JSON-encoded
// into the filters/fields query parameters per the Frappe list API.
type ListOptions struct {
	Filters    map[string]any
	Fields     []string
	LimitStart int
	PageLength int
}

// defaultPageLength matches the Frappe list API default.
const defaultPageLength = 20

// ListDocs returns one page of documents of the given doctype.
func (c *Client) ListDocs(ctx context.Context, doctype string, opts ListOptions) ([]Document, error) {
	if opts.PageLength <= 0 {
		opts.PageLength = defaultPageLength
	}

	query := url.Values{}
	query.Set("limit_start", strconv.Itoa(opts.LimitStart))
	query.Set("limit_page_length", strconv.Itoa(opts.PageLength))

	if len(opts.Filters) > 0 {
		filters, err := json.Marshal(opts.Filters)
		if err != nil {
			return nil, fmt.Errorf("list %s: encoding filters: %w", doctype, err)
		}

		query.Set("filters", string(filters))
	}

	if len(opts.Fields) > 0 {
		fields, err := json.Marshal(opts.Fields)
		if err != nil {
			return nil, fmt.Errorf("list %s: encoding fields: %w", doctype, err)
		}

		query.Set("fields", string(fields))
	}

	envelope, err := c.do(ctx, http.MethodGet, resourcePath(doctype, ""), query, nil)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", doctype, err)
	}

	var docs []Document
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &docs); err != nil {
			return nil, fmt.Errorf("list %s: decoding documents: %w", doctype, err)
		}
	}

	return docs, nil
}

// CreateDoc creates a new document of the given doctype.
func (c *Client) CreateDoc(ctx context.Context, doctype string, doc Document) (Document, error) {
	payload := make(Document, len(doc)+1)
	for k, v := range doc {
		payload[k] = v
	}

	payload["doctype"] = doctype

	envelope, err := c.do(ctx, http.MethodPost, resourcePath(doctype, ""), nil, payload)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", doctype, err)
	}

	return decodeDocument(envelope)
}

// UpdateDoc PUTs doc over the existing document. When retryOnStaleTimestamp
// is set and the target rejects the write with an optimistic-concurrency
// failure, the current document is re-fetched, its modified timestamp is
// copied into the payload, and the PUT is reissued — up to three total
// attempts. All other errors surface immediately.
func (c *Client) UpdateDoc(ctx context.Context, doctype, docname string, doc Document, retryOnStaleTimestamp bool) (Document, error) {
	payload := make(Document, len(doc))
	for k, v := range doc {
		payload[k] = v
	}

	var lastErr error

	for attempt := range updateAttempts {
		if attempt > 0 {
			c.logger.Warn("stale timestamp, re-fetching before retry",
				slog.String("instance", c.name),
				slog.String("doctype", doctype),
				slog.String("docname", docname),
				slog.Int("attempt", attempt+1),
			)

			latest, err := c.GetDoc(ctx, doctype, docname)
			if err != nil {
				return nil, fmt.Errorf("update %s/%s: refetch on retry: %w", doctype, docname, err)
			}

			if latest != nil {
				payload["modified"] = latest["modified"]
			}
		}

		envelope, err := c.do(ctx, http.MethodPut, resourcePath(doctype, docname), nil, payload)
		if err == nil {
			return decodeDocument(envelope)
		}

		if !retryOnStaleTimestamp || !isStaleTimestamp(err) {
			return nil, fmt.Errorf("update %s/%s: %w", doctype, docname, err)
		}

		lastErr = err
	}

	return nil, fmt.Errorf("update %s/%s failed after %d attempts: %w (%w)",
		doctype, docname, updateAttempts, ErrStaleTimestamp, lastErr)
}

// DeleteDoc deletes a document.
func (c *Client) DeleteDoc(ctx context.Context, doctype, docname string) error {
	if _, err := c.do(ctx, http.MethodDelete, resourcePath(doctype, docname), nil, nil); err != nil {
		return fmt.Errorf("delete %s/%s: %w", doctype, docname, err)
	}

	return nil
}

// GetModifiedDocs returns documents modified after the given cutoff, using
// a server-side filter on the modified column.
func (c *Client) GetModifiedDocs(ctx context.Context, doctype string, modifiedAfter time.Time, limit int) ([]Document, error) {
	return c.ListDocs(ctx, doctype, ListOptions{
		Filters: map[string]any{
			"modified": []any{">", modifiedAfter.Format("2006-01-02 15:04:05")},
		},
		PageLength: limit,
	})
}

// TestConnection checks the instance is reachable and the credentials are
// valid by asking the API for the logged-in user.
func (c *Client) TestConnection(ctx context.Context) bool {
	envelope, err := c.do(ctx, http.MethodGet, "/api/method/frappe.auth.get_logged_user", nil, nil)
	if err != nil {
		c.logger.Error("connection test failed",
			slog.String("instance", c.name),
			slog.String("url", c.baseURL),
			slog.String("error", err.Error()),
		)

		return false
	}

	var user string
	_ = json.Unmarshal(envelope.Message, &user)

	c.logger.Info("connection test succeeded",
		slog.String("instance", c.name),
		slog.String("url", c.baseURL),
		slog.String("user", user),
	)

	return true
}
