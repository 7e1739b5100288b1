package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"github.com/RiskyMH/emailthing/internal/domain"
)

const defaultPageLimit = 100

// HTTP implements Client against the EmailThing API.
type HTTP struct {
	base      string
	client    *http.Client
	pageLimit int
	logger    *slog.Logger
}

// NewHTTP creates a client for the API at baseURL. Requests are
// authenticated through ts via the oauth2 transport; whether the token
// gets refreshed is up to the source, the client just asks it per request.
func NewHTTP(baseURL string, ts oauth2.TokenSource, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		base:      strings.TrimRight(baseURL, "/"),
		client:    oauth2.NewClient(context.Background(), ts),
		pageLimit: defaultPageLimit,
		logger:    logger,
	}
}

// SetPageLimit caps the number of changes requested per delta batch.
func (h *HTTP) SetPageLimit(n int) {
	if n > 0 {
		h.pageLimit = n
	}
}

// DeltaQuery implements Client.
func (h *HTTP) DeltaQuery(ctx context.Context, table, mailboxID, cursor string) (*Batch, error) {
	q := url.Values{
		"mailboxId": {mailboxID},
		"limit":     {strconv.Itoa(h.pageLimit)},
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u := fmt.Sprintf("%s/api/v0/sync/%s?%s", h.base, url.PathEscape(table), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build delta request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delta request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("delta request for %s returned %s: %s",
			table, resp.Status, readError(resp.Body))
	}

	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode delta response: %w", err)
	}
	return &batch, nil
}

type mutationRequest struct {
	Entity   string          `json:"entity"`
	EntityID string          `json:"entityId"`
	Mailbox  string          `json:"mailboxId"`
	Op       string          `json:"op"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// SubmitMutation implements Client. A 4xx response is a definitive
// rejection; anything else non-2xx is retriable.
func (h *HTTP) SubmitMutation(ctx context.Context, w *domain.PendingWrite) error {
	body, err := json.Marshal(mutationRequest{
		Entity:   w.Entity,
		EntityID: w.EntityID,
		Mailbox:  w.Mailbox,
		Op:       w.Op,
		Payload:  w.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+"/api/v0/mutations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build mutation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("mutation request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &RejectedError{Status: resp.StatusCode, Reason: readError(resp.Body)}
	default:
		return fmt.Errorf("mutation request returned %s: %s", resp.Status, readError(resp.Body))
	}
}

// readError pulls the error message out of an API error body.
func readError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
