package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPAdapter talks to the primary REST API. Wire format is a flat JSON
// object per entity: {"id": ..., "updated_at": ..., <domain fields>}.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) Name() string { return "primary" }

func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return &NetworkError{Op: "healthcheck", Message: "build request", Err: err}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return &NetworkError{Op: "healthcheck", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Op: "healthcheck", Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return nil
}

func (a *HTTPAdapter) Get(ctx context.Context, entityType, id string) (*Entity, error) {
	doc, err := a.do(ctx, http.MethodGet, a.entityURL(entityType, id), nil, entityType, id)
	if err != nil {
		return nil, err
	}
	return entityFromWire(entityType, doc)
}

func (a *HTTPAdapter) Query(ctx context.Context, entityType string, filter Filter) ([]*Entity, error) {
	u := a.collectionURL(entityType) + "?" + encodeFilter(filter)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &NetworkError{Op: "query", Message: "build request", Err: err}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "query", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	if err := a.checkStatus(resp, entityType, ""); err != nil {
		return nil, err
	}
	var docs []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, &NetworkError{Op: "query", Message: "decode response", Err: err}
	}
	out := make([]*Entity, 0, len(docs))
	for _, doc := range docs {
		e, err := entityFromWire(entityType, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (a *HTTPAdapter) Create(ctx context.Context, entityType string, data map[string]any) (*Entity, error) {
	doc, err := a.do(ctx, http.MethodPost, a.collectionURL(entityType), data, entityType, "")
	if err != nil {
		return nil, err
	}
	return entityFromWire(entityType, doc)
}

func (a *HTTPAdapter) Update(ctx context.Context, entityType, id string, patch map[string]any) (*Entity, error) {
	doc, err := a.do(ctx, http.MethodPatch, a.entityURL(entityType, id), patch, entityType, id)
	if err != nil {
		return nil, err
	}
	return entityFromWire(entityType, doc)
}

func (a *HTTPAdapter) Delete(ctx context.Context, entityType, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.entityURL(entityType, id), nil)
	if err != nil {
		return &NetworkError{Op: "delete", Message: "build request", Err: err}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return &NetworkError{Op: "delete", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	return a.statusError(resp.StatusCode, nil, entityType, id)
}

func (a *HTTPAdapter) collectionURL(entityType string) string {
	return a.baseURL + "/api/" + url.PathEscape(entityType)
}

func (a *HTTPAdapter) entityURL(entityType, id string) string {
	return a.collectionURL(entityType) + "/" + url.PathEscape(id)
}

func (a *HTTPAdapter) do(ctx context.Context, method, u string, body map[string]any, entityType, id string) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("unencodable payload: %v", err)}
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, &NetworkError{Op: method, Message: "build request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	if err := a.checkStatus(resp, entityType, id); err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &NetworkError{Op: method, Message: "decode response", Err: err}
	}
	return doc, nil
}

func (a *HTTPAdapter) checkStatus(resp *http.Response, entityType, id string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return a.statusError(resp.StatusCode, body, entityType, id)
}

// statusError maps HTTP status codes onto the adapter error taxonomy.
func (a *HTTPAdapter) statusError(status int, body []byte, entityType, id string) error {
	switch status {
	case http.StatusNotFound:
		return &NotFoundError{EntityType: entityType, ID: id}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		var detail struct {
			Message string            `json:"message"`
			Fields  map[string]string `json:"fields"`
		}
		_ = json.Unmarshal(body, &detail)
		if detail.Message == "" {
			detail.Message = strings.TrimSpace(string(body))
		}
		return &ValidationError{Message: detail.Message, Fields: detail.Fields}
	case http.StatusConflict:
		var detail struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &detail)
		return &ConflictError{EntityType: entityType, ID: id, Message: detail.Message}
	default:
		return &NetworkError{Op: "request", Message: fmt.Sprintf("unexpected status %d", status)}
	}
}

func encodeFilter(filter Filter) string {
	q := url.Values{}
	for k, v := range filter.Where {
		q.Set(k, fmt.Sprintf("%v", v))
	}
	if !filter.UpdatedAfter.IsZero() {
		q.Set("updated_after", filter.UpdatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if filter.SortBy != "" {
		q.Set("sort", filter.SortBy)
		if filter.SortDesc {
			q.Set("order", "desc")
		}
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	return q.Encode()
}

// entityFromWire splits the flat wire object into id, timestamp, and domain
// fields. A malformed updated_at is rejected outright: a zero timestamp
// would slip past the conflict check and silently clobber the server.
func entityFromWire(entityType string, doc map[string]any) (*Entity, error) {
	e := &Entity{Type: entityType, Data: make(map[string]any, len(doc))}
	for k, v := range doc {
		switch k {
		case "id":
			if s, ok := v.(string); ok {
				e.ID = s
			} else {
				e.ID = fmt.Sprintf("%v", v)
			}
		case "updated_at":
			s, ok := v.(string)
			if !ok {
				return nil, &ValidationError{Message: fmt.Sprintf("malformed updated_at %v", v)}
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, &ValidationError{Message: fmt.Sprintf("malformed updated_at %q", s)}
			}
			e.UpdatedAt = ts
		default:
			e.Data[k] = v
		}
	}
	return e, nil
}
