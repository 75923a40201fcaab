package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/majidka99/kompass-app/internal/record"
)

// HTTPStore talks to the sync server's JSON record API.
//
// Endpoints:
//
//	GET    /v1/records/{kind}?owner={owner}
//	PUT    /v1/records/{kind}?owner={owner}
//	DELETE /v1/records/{kind}?owner={owner}
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore creates a client for the record API at baseURL.
// If client is nil, a client with a 30 second timeout is used.
func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStore{baseURL: baseURL, client: client}
}

// wireRecord is the JSON body exchanged with the server.
type wireRecord struct {
	Payload      json.RawMessage `json:"payload,omitempty"`
	Deleted      bool            `json:"deleted,omitempty"`
	LastModified time.Time       `json:"last_modified"`
}

// Get implements Store.
func (s *HTTPStore) Get(ctx context.Context, token, ownerID string, kind record.Kind) (*record.Record, error) {
	resp, err := s.do(ctx, http.MethodGet, token, ownerID, kind, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var wire wireRecord
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode record %s/%s: %w", ownerID, kind, err)
	}

	return &record.Record{
		OwnerID:      ownerID,
		Kind:         kind,
		Payload:      wire.Payload,
		Deleted:      wire.Deleted,
		LastModified: wire.LastModified,
	}, nil
}

// Put implements Store.
func (s *HTTPStore) Put(ctx context.Context, token string, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	body, err := json.Marshal(wireRecord{
		Payload:      rec.Payload,
		Deleted:      rec.Deleted,
		LastModified: rec.LastModified,
	})
	if err != nil {
		return fmt.Errorf("failed to encode record %s/%s: %w", rec.OwnerID, rec.Kind, err)
	}

	resp, err := s.do(ctx, http.MethodPut, token, rec.OwnerID, rec.Kind, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return classifyStatus(resp)
}

// Delete implements Store.
func (s *HTTPStore) Delete(ctx context.Context, token, ownerID string, kind record.Kind, at time.Time) error {
	body, err := json.Marshal(wireRecord{Deleted: true, LastModified: at})
	if err != nil {
		return fmt.Errorf("failed to encode tombstone %s/%s: %w", ownerID, kind, err)
	}

	resp, err := s.do(ctx, http.MethodDelete, token, ownerID, kind, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return classifyStatus(resp)
}

func (s *HTTPStore) do(ctx context.Context, method, token, ownerID string, kind record.Kind, body io.Reader) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/v1/records/%s?owner=%s",
		s.baseURL, url.PathEscape(string(kind)), url.QueryEscape(ownerID))

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Transport failures (DNS, refused, timeout) all mean the store
		// is unreachable from this device right now.
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: server returned %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: server returned %d", ErrUnavailable, resp.StatusCode)
	}
}
