// Package source reads records from an Elasticsearch index with the scroll API
// and exposes them as successive pages behind a resumable cursor.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/fulltext-migrate/pkg/record"
)

// Prometheus metrics for source operations.
var (
	sourceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ftm_source_requests_total",
		Help: "Total source requests by operation and status",
	}, []string{"op", "status"})

	sourceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ftm_source_request_duration_seconds",
		Help:    "Source request duration in seconds by operation",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op"})

	sourceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ftm_source_errors_total",
		Help: "Total source errors by class",
	}, []string{"class"})
)

// Page is one response of the scroll protocol.
type Page struct {
	// Cursor is the scroll id issued with this page, "" if none was issued.
	Cursor string

	// Records is the page content. An empty page signals end-of-stream.
	Records []*record.Record
}

// ElasticConfig holds the Elasticsearch client configuration.
type ElasticConfig struct {
	// URL is the cluster base URL, e.g. "http://localhost:9200".
	URL string

	// Index is the index to scroll.
	Index string

	// DocType is the mapping type used for point lookups ("_doc" on 7.x+).
	DocType string

	// KeepAlive is the scroll context validity window sent with every call.
	KeepAlive time.Duration

	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
}

// DefaultElasticConfig returns defaults matching the original fulltext index.
func DefaultElasticConfig() ElasticConfig {
	return ElasticConfig{
		URL:       "http://localhost:9200",
		Index:     "item_fulltext_index_read",
		DocType:   "_doc",
		KeepAlive: time.Hour,
		Timeout:   60 * time.Second,
	}
}

// Elastic is a minimal scroll/get client for Elasticsearch.
type Elastic struct {
	httpClient *http.Client
	config     ElasticConfig
	logger     zerolog.Logger
}

// NewElastic creates a new Elasticsearch source client.
func NewElastic(cfg ElasticConfig, logger zerolog.Logger) (*Elastic, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("elasticsearch url is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("elasticsearch index is required")
	}
	if cfg.DocType == "" {
		cfg.DocType = "_doc"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &Elastic{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     logger,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (e *Elastic) SetHTTPClient(client *http.Client) {
	e.httpClient = client
}

type searchHit struct {
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

type getResponse struct {
	ID     string          `json:"_id"`
	Found  bool            `json:"found"`
	Source json.RawMessage `json:"_source"`
}

// Search starts a new scroll over the whole index.
func (e *Elastic) Search(ctx context.Context, pageSize int) (*Page, error) {
	q := url.Values{}
	q.Set("scroll", keepAliveParam(e.config.KeepAlive))
	q.Set("size", strconv.Itoa(pageSize))
	endpoint := fmt.Sprintf("%s/%s/_search?%s", e.config.URL, url.PathEscape(e.config.Index), q.Encode())

	body := map[string]any{
		"query": map[string]any{"match_all": map[string]any{}},
	}

	var resp searchResponse
	if err := e.do(ctx, "search", http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}
	return resp.page()
}

// Continue fetches the next page of an existing scroll.
func (e *Elastic) Continue(ctx context.Context, cursor string) (*Page, error) {
	endpoint := e.config.URL + "/_search/scroll"
	body := map[string]any{
		"scroll":    keepAliveParam(e.config.KeepAlive),
		"scroll_id": cursor,
	}

	var resp searchResponse
	err := e.do(ctx, "scroll", http.MethodPost, endpoint, body, &resp)
	if err != nil {
		// The scroll context is gone once the keep-alive lapsed
		var srcErr *Error
		if errors.As(err, &srcErr) && srcErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %v", ErrCursorExpired, err)
		}
		return nil, err
	}
	return resp.page()
}

// Get fetches a single record by id.
func (e *Elastic) Get(ctx context.Context, id string) (*record.Record, error) {
	endpoint := fmt.Sprintf("%s/%s/%s/%s", e.config.URL,
		url.PathEscape(e.config.Index), url.PathEscape(e.config.DocType), url.PathEscape(id))

	var resp getResponse
	err := e.do(ctx, "get", http.MethodGet, endpoint, nil, &resp)
	if err != nil {
		var srcErr *Error
		if errors.As(err, &srcErr) && srcErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if !resp.Found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	payload, err := decodeSource(resp.Source)
	if err != nil {
		return nil, &Error{Op: "get", Class: ErrorClassDecode, Message: id, Err: err}
	}
	return record.New(id, payload), nil
}

// do executes a JSON request and decodes a 2xx response into out.
func (e *Elastic) do(ctx context.Context, op, method, endpoint string, body any, out any) error {
	startTime := time.Now()
	defer func() {
		sourceRequestDuration.WithLabelValues(op).Observe(time.Since(startTime).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	e.logger.Debug().
		Str("op", op).
		Str("method", method).
		Msg("Executing source request")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		sourceErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		sourceRequestsTotal.WithLabelValues(op, "network_error").Inc()
		return &Error{Op: op, Class: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	sourceRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		sourceErrorsTotal.WithLabelValues(string(class)).Inc()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		// A missing document is an answer, not a failure
		if !(op == "get" && resp.StatusCode == http.StatusNotFound) {
			e.logger.Warn().
				Str("op", op).
				Int("status", resp.StatusCode).
				Str("error_class", string(class)).
				Msg("Source request error")
		}

		return &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		sourceErrorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		return &Error{Op: op, StatusCode: resp.StatusCode, Class: ErrorClassDecode, Message: "decode response", Err: err}
	}
	return nil
}

// page converts a search response into a Page.
func (r *searchResponse) page() (*Page, error) {
	page := &Page{
		Cursor:  r.ScrollID,
		Records: make([]*record.Record, 0, len(r.Hits.Hits)),
	}
	for _, hit := range r.Hits.Hits {
		payload, err := decodeSource(hit.Source)
		if err != nil {
			return nil, &Error{Op: "search", Class: ErrorClassDecode, Message: hit.ID, Err: err}
		}
		page.Records = append(page.Records, record.New(hit.ID, payload))
	}
	return page, nil
}

// decodeSource decodes a _source document. A missing or null document is an
// empty payload. Numbers are kept as json.Number so they re-encode unchanged.
func decodeSource(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

// keepAliveParam renders a duration in Elasticsearch time units.
func keepAliveParam(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}
