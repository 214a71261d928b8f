package source

import (
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

// DefaultTokenHeader is the request header carrying the tenant access token.
const DefaultTokenHeader = "X-Shopify-Access-Token"

// HTTPCollector fetches pages from a Shopify-style REST API.
//
// BaseURL may contain the placeholder "{domain}", replaced by the tenant
// domain on every request, e.g. "https://{domain}/admin/api/2024-01".
// Continuation uses the page_info parameter of the Link rel="next" header.
type HTTPCollector struct {
	BaseURL     string
	TokenHeader string
	Client      *http.Client
}

// NewHTTPCollector creates a collector with the default token header and
// an http.Client bounded by timeout.
func NewHTTPCollector(baseURL string, timeout time.Duration) *HTTPCollector {
	return &HTTPCollector{
		BaseURL:     baseURL,
		TokenHeader: DefaultTokenHeader,
		Client:      &http.Client{Timeout: timeout},
	}
}

// FetchPage implements Collector.
func (c *HTTPCollector) FetchPage(ctx context.Context, creds Credentials, collection string, q Query) (*Page, error) {
	endpoint, err := c.pageURL(creds.Domain, collection, q)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	header := c.TokenHeader
	if header == "" {
		header = DefaultTokenHeader
	}
	req.Header.Set(header, creds.AccessToken)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if q.Cursor != "" && resp.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("fetch %s: %w: %w", collection, ErrInvalidCursor, se)
		}
		return nil, fmt.Errorf("fetch %s: %w", collection, se)
	}

	records, err := decodeRecords(resp.Body, collection)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}

	return &Page{
		Records:    records,
		NextCursor: nextCursor(resp.Header.Values("Link")),
	}, nil
}

// pageURL renders the request URL. A cursored request may only carry
// limit, page_info and fields; the source rejects any other filter.
func (c *HTTPCollector) pageURL(domain, collection string, q Query) (string, error) {
	base := strings.ReplaceAll(c.BaseURL, "{domain}", domain)
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + collection + ".json")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	params := url.Values{}
	if q.PageSize > 0 {
		params.Set("limit", strconv.Itoa(q.PageSize))
	}
	if q.FieldSelector != "" {
		params.Set("fields", q.FieldSelector)
	}
	if q.Cursor != "" {
		params.Set("page_info", string(q.Cursor))
	} else {
		if q.SortOrder != "" {
			params.Set("order", string(q.SortOrder))
		}
		if q.LowerBoundField != "" && !q.LowerBound.IsZero() {
			params.Set(string(q.LowerBoundField), q.LowerBound.UTC().Format(time.RFC3339))
		}
		// Orders default to status=open; sync needs closed and cancelled ones too.
		if collection == "orders" {
			params.Set("status", "any")
		}
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

type recordHeader struct {
	ID        int64      `json:"id"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// decodeRecords reads the {"<collection>": [...]} envelope, keeping every
// element's bytes untouched.
func decodeRecords(r io.Reader, collection string) ([]Record, error) {
	var envelope map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	raw, ok := envelope[collection]
	if !ok {
		return nil, fmt.Errorf("decode response: missing %q key", collection)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", collection, err)
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		rec, err := DecodeRecord(item)
		if err != nil {
			return nil, fmt.Errorf("decode %s[%d]: %w", collection, i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DecodeRecord extracts the identity and timestamps of one raw record.
func DecodeRecord(payload json.RawMessage) (Record, error) {
	var h recordHeader
	if err := json.Unmarshal(payload, &h); err != nil {
		return Record{}, err
	}
	if h.ID <= 0 {
		return Record{}, fmt.Errorf("record has no id")
	}

	rec := Record{
		ID:        h.ID,
		UpdatedAt: h.UpdatedAt,
		Payload:   append(json.RawMessage(nil), payload...),
	}
	if h.CreatedAt != nil {
		rec.CreatedAt = *h.CreatedAt
	}
	return rec, nil
}

// nextCursor returns the page_info of the rel="next" link, or "".
func nextCursor(links []string) Cursor {
	for _, header := range links {
		for _, part := range strings.Split(header, ",") {
			part = strings.TrimSpace(part)
			if !strings.Contains(part, `rel="next"`) {
				continue
			}
			start := strings.Index(part, "<")
			end := strings.Index(part, ">")
			if start < 0 || end <= start {
				continue
			}
			u, err := url.Parse(part[start+1 : end])
			if err != nil {
				continue
			}
			if info := u.Query().Get("page_info"); info != "" {
				return Cursor(info)
			}
		}
	}
	return ""
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
