// Package pagination builds request parameters and parses response pages for
// offset, cursor, page, and link-header pagination styles.
package pagination

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

type Style string

const (
	StyleNone   Style = "none"
	StyleOffset Style = "offset"
	StyleCursor Style = "cursor"
	StylePage   Style = "page"
	StyleLink   Style = "link"
)

const (
	defaultLimit    = 50
	defaultPageSize = 50
)

// Config declares how an endpoint paginates. Parameter names default to the
// conventional ones when empty.
type Config struct {
	Style Style `json:"style"`

	LimitParam    string `json:"limit_param,omitempty"`
	OffsetParam   string `json:"offset_param,omitempty"`
	CursorParam   string `json:"cursor_param,omitempty"`
	PageParam     string `json:"page_param,omitempty"`
	PageSizeParam string `json:"page_size_param,omitempty"`

	DefaultLimit int `json:"default_limit,omitempty"`
	MaxLimit     int `json:"max_limit,omitempty"`
	PageSize     int `json:"page_size,omitempty"`

	ItemsPath      string `json:"items_path,omitempty"`
	TotalPath      string `json:"total_path,omitempty"`
	NextCursorPath string `json:"next_cursor_path,omitempty"`
	HasMorePath    string `json:"has_more_path,omitempty"`
	NextLinkPath   string `json:"next_link_path,omitempty"`
	PrevLinkPath   string `json:"prev_link_path,omitempty"`
	UseLinkHeader  bool   `json:"use_link_header,omitempty"`
}

// Request carries the caller-controlled position for the next page.
type Request struct {
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	Page    int    `json:"page,omitempty"`
	Cursor  string `json:"cursor,omitempty"`
	NextURL string `json:"next_url,omitempty"`
}

// PageResult is one parsed page. Total is -1 when the response does not carry
// a total count.
type PageResult struct {
	Items      []any  `json:"items"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
	NextURL    string `json:"next_url,omitempty"`
	Page       int    `json:"page,omitempty"`
	Total      int    `json:"total"`
}

// BuildParams produces the query parameters for one page request. Requested
// limits above MaxLimit are clamped; clamping is idempotent.
func BuildParams(cfg *Config, req *Request) map[string]string {
	params := make(map[string]string)

	if cfg == nil || cfg.Style == StyleNone || cfg.Style == "" {
		return params
	}

	if req == nil {
		req = &Request{}
	}

	switch cfg.Style {
	case StyleOffset:
		limit := req.Limit
		if limit <= 0 {
			limit = cfg.DefaultLimit
		}

		if limit <= 0 {
			limit = defaultLimit
		}

		if cfg.MaxLimit > 0 && limit > cfg.MaxLimit {
			limit = cfg.MaxLimit
		}

		params[paramName(cfg.LimitParam, "limit")] = strconv.Itoa(limit)
		params[paramName(cfg.OffsetParam, "offset")] = strconv.Itoa(max(req.Offset, 0))

	case StyleCursor:
		limit := req.Limit
		if limit <= 0 {
			limit = cfg.DefaultLimit
		}

		if limit <= 0 {
			limit = defaultLimit
		}

		if cfg.MaxLimit > 0 && limit > cfg.MaxLimit {
			limit = cfg.MaxLimit
		}

		params[paramName(cfg.LimitParam, "limit")] = strconv.Itoa(limit)

		if req.Cursor != "" {
			params[paramName(cfg.CursorParam, "cursor")] = req.Cursor
		}

	case StylePage:
		page := req.Page
		if page <= 0 {
			page = 1
		}

		pageSize := cfg.PageSize
		if req.Limit > 0 {
			pageSize = req.Limit
		}

		if pageSize <= 0 {
			pageSize = defaultPageSize
		}

		params[paramName(cfg.PageParam, "page")] = strconv.Itoa(page)
		params[paramName(cfg.PageSizeParam, "page_size")] = strconv.Itoa(pageSize)

	case StyleLink:
		// Link pagination follows absolute URLs; no positional params.
	}

	return params
}

// ParseResponse extracts the items and pagination position from a response
// body plus optional headers.
func ParseResponse(cfg *Config, body []byte, headers http.Header) (*PageResult, error) {
	result := &PageResult{Total: -1}

	if cfg == nil || cfg.Style == StyleNone || cfg.Style == "" {
		result.Items = wholeBodyItems(body)

		return result, nil
	}

	items, err := extractItems(cfg, body)
	if err != nil {
		return nil, err
	}

	result.Items = items

	if cfg.TotalPath != "" {
		if total := gjson.GetBytes(body, cfg.TotalPath); total.Exists() {
			result.Total = int(total.Int())
		}
	}

	switch cfg.Style {
	case StyleOffset, StylePage:
		// With a known total, hasMore is exact; otherwise a non-empty page
		// conservatively assumes more. Callers draining all pages tolerate
		// one trailing empty-page call.
		if result.Total >= 0 {
			result.HasMore = len(items) > 0 && len(items) < result.Total
		} else {
			result.HasMore = len(items) > 0
		}

		if cfg.HasMorePath != "" {
			if hasMore := gjson.GetBytes(body, cfg.HasMorePath); hasMore.Exists() {
				result.HasMore = hasMore.Bool()
			}
		}

	case StyleCursor:
		if cfg.NextCursorPath != "" {
			result.NextCursor = gjson.GetBytes(body, cfg.NextCursorPath).String()
		}

		result.HasMore = result.NextCursor != ""

		if cfg.HasMorePath != "" {
			if hasMore := gjson.GetBytes(body, cfg.HasMorePath); hasMore.Exists() {
				result.HasMore = hasMore.Bool()
			}
		}

	case StyleLink:
		if cfg.NextLinkPath != "" {
			result.NextURL = gjson.GetBytes(body, cfg.NextLinkPath).String()
		}

		if result.NextURL == "" && cfg.UseLinkHeader && headers != nil {
			result.NextURL = parseLinkHeader(headers.Get("Link"), "next")
		}

		result.HasMore = result.NextURL != ""
	}

	return result, nil
}

func paramName(configured, fallback string) string {
	if configured != "" {
		return configured
	}

	return fallback
}

func wholeBodyItems(body []byte) []any {
	parsed := gjson.ParseBytes(body)
	if parsed.IsArray() {
		items := make([]any, 0, len(parsed.Array()))
		for _, item := range parsed.Array() {
			items = append(items, item.Value())
		}

		return items
	}

	if value := parsed.Value(); value != nil {
		return []any{value}
	}

	return nil
}

func extractItems(cfg *Config, body []byte) ([]any, error) {
	if cfg.ItemsPath == "" {
		return wholeBodyItems(body), nil
	}

	itemsValue := gjson.GetBytes(body, cfg.ItemsPath)
	if !itemsValue.Exists() {
		return nil, nil
	}

	if !itemsValue.IsArray() {
		return nil, fmt.Errorf("items path %q does not resolve to an array", cfg.ItemsPath)
	}

	raw := itemsValue.Array()
	items := make([]any, 0, len(raw))

	for _, item := range raw {
		items = append(items, item.Value())
	}

	return items, nil
}

// parseLinkHeader extracts the URL for the given rel from an RFC 5988 Link
// header value.
func parseLinkHeader(header, rel string) string {
	if header == "" {
		return ""
	}

	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(strings.TrimSpace(part), ";")
		if len(segments) < 2 {
			continue
		}

		url := strings.Trim(strings.TrimSpace(segments[0]), "<>")

		for _, param := range segments[1:] {
			param = strings.TrimSpace(param)
			if param == `rel="`+rel+`"` || param == "rel="+rel {
				return url
			}
		}
	}

	return ""
}

// ValidateConfig returns human-readable violations; an empty slice means the
// configuration is usable.
func ValidateConfig(cfg *Config) []string {
	if cfg == nil {
		return nil
	}

	var violations []string

	switch cfg.Style {
	case StyleNone, StyleOffset, StyleCursor, StylePage, StyleLink, "":
	default:
		violations = append(violations, fmt.Sprintf("unknown pagination style %q", cfg.Style))
	}

	if cfg.MaxLimit < 0 {
		violations = append(violations, "max_limit must not be negative")
	}

	if cfg.DefaultLimit < 0 {
		violations = append(violations, "default_limit must not be negative")
	}

	if cfg.MaxLimit > 0 && cfg.DefaultLimit > cfg.MaxLimit {
		violations = append(violations, "default_limit must not exceed max_limit")
	}

	if cfg.Style == StyleCursor && cfg.NextCursorPath == "" && cfg.HasMorePath == "" {
		violations = append(violations, "cursor pagination requires next_cursor_path or has_more_path")
	}

	if cfg.Style == StyleLink && cfg.NextLinkPath == "" && !cfg.UseLinkHeader {
		violations = append(violations, "link pagination requires next_link_path or use_link_header")
	}

	return violations
}
