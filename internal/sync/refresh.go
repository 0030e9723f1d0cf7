package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/psconsult/offline/internal/db"
	apperrors "github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/logging"
	"github.com/psconsult/offline/internal/models"
)

// Default remote list endpoints.
const (
	DefaultConsultsPath = "/api/consults/"
	DefaultSchedulePath = "/api/schedule/"
)

// Paging of list endpoints that answer with a total/page/per_page envelope.
const (
	refreshPageSize = 100
	refreshMaxPages = 1000
)

// namespaceSource describes how a read cache namespace is fetched and flattened.
type namespaceSource struct {
	path    string
	listKey string // empty when the response is a bare array
	paged   bool
	fields  []string
}

// listPage is the paging envelope of a list response.
type listPage struct {
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// Refresher replaces the server read cache with fresh lists from the remote API.
type Refresher struct {
	http    *resty.Client
	store   db.ServerCacheStore
	sources map[string]namespaceSource
	log     *logging.Logger
}

// RefresherConfig holds refresher configuration.
type RefresherConfig struct {
	BaseURL      string
	ConsultsPath string
	SchedulePath string
	Timeout      time.Duration
	Headers      map[string]string // Sent with every request, e.g. Authorization
}

// NewRefresher creates a Refresher for the consults and schedule namespaces.
func NewRefresher(store db.ServerCacheStore, config RefresherConfig) *Refresher {
	if config.ConsultsPath == "" {
		config.ConsultsPath = DefaultConsultsPath
	}
	if config.SchedulePath == "" {
		config.SchedulePath = DefaultSchedulePath
	}
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetTimeout(config.Timeout).
		SetHeader("Accept", "application/json").
		SetHeaders(config.Headers)

	return &Refresher{
		http:  c,
		store: store,
		sources: map[string]namespaceSource{
			models.NamespaceConsults: {
				path:    config.ConsultsPath,
				listKey: "consults",
				paged:   true,
				fields:  []string{"consult_id", "patient_name", "hospital_number", "ward", "urgency", "status"},
			},
			models.NamespaceSchedule: {
				path:   config.SchedulePath,
				fields: []string{"service_type", "day_of_week", "start_time", "end_time", "location"},
			},
		},
		log: logging.For("refresher"),
	}
}

// Namespaces returns the namespaces the refresher maintains.
func (r *Refresher) Namespaces() []string {
	return []string{models.NamespaceConsults, models.NamespaceSchedule}
}

// RefreshAll refreshes every namespace independently.
// A failure in one namespace does not prevent the others from refreshing.
func (r *Refresher) RefreshAll(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	var errs []error
	for _, ns := range r.Namespaces() {
		n, err := r.Refresh(ctx, ns)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		counts[ns] = n
	}
	return counts, errors.Join(errs...)
}

// Refresh fetches one namespace and replaces its cached records.
// On any failure the previous cache contents are left untouched.
func (r *Refresher) Refresh(ctx context.Context, namespace string) (int, error) {
	src, ok := r.sources[namespace]
	if !ok {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "unknown namespace %q", namespace)
	}

	records, err := r.fetch(ctx, namespace, src)
	if err != nil {
		return 0, err
	}
	if err := r.store.ReplaceServerCache(ctx, namespace, records); err != nil {
		return 0, err
	}

	r.log.Info("Server cache refreshed", map[string]interface{}{
		"namespace": namespace,
		"records":   len(records),
	})
	return len(records), nil
}

// fetch reads every page of a namespace. Records repeated across pages,
// which happens when the list shifts between requests, are kept once.
func (r *Refresher) fetch(ctx context.Context, namespace string, src namespaceSource) ([]*models.CachedServerRecord, error) {
	var (
		records []*models.CachedServerRecord
		seen    = make(map[string]bool)
	)
	for page := 1; page <= refreshMaxPages; page++ {
		req := r.http.R().SetContext(ctx)
		if src.paged {
			req.SetQueryParams(map[string]string{
				"page":     strconv.Itoa(page),
				"per_page": strconv.Itoa(refreshPageSize),
			})
		}
		rr, err := req.Get(src.path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRefreshFailed, fmt.Sprintf("fetch %s", namespace), err)
		}
		if rr.IsError() {
			return nil, apperrors.Newf(apperrors.ErrRefreshFailed, "fetch %s: %s", namespace, rr.Status())
		}

		batch, info, err := decodeRecords(rr.Body(), src)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRefreshFailed, fmt.Sprintf("decode %s page %d", namespace, page), err)
		}
		for _, rec := range batch {
			if seen[rec.ServerID] {
				continue
			}
			seen[rec.ServerID] = true
			records = append(records, rec)
		}

		if !src.paged || len(batch) == 0 {
			return records, nil
		}
		perPage := info.PerPage
		if perPage <= 0 {
			perPage = len(batch)
		}
		if info.Total <= page*perPage {
			return records, nil
		}
	}
	return nil, apperrors.Newf(apperrors.ErrRefreshFailed, "fetch %s: more than %d pages", namespace, refreshMaxPages)
}

// decodeRecords flattens one list response. The paging envelope is zero for
// bare arrays.
func decodeRecords(body []byte, src namespaceSource) ([]*models.CachedServerRecord, listPage, error) {
	var (
		items []json.RawMessage
		info  listPage
	)
	if src.listKey == "" {
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, info, err
		}
	} else {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, info, err
		}
		list, ok := envelope[src.listKey]
		if !ok {
			return nil, info, fmt.Errorf("response has no %q list", src.listKey)
		}
		if err := json.Unmarshal(list, &items); err != nil {
			return nil, info, err
		}
		if err := json.Unmarshal(body, &info); err != nil {
			return nil, info, fmt.Errorf("paging: %w", err)
		}
	}

	records := make([]*models.CachedServerRecord, 0, len(items))
	for i, item := range items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, info, fmt.Errorf("item %d: %w", i, err)
		}
		id := scalarString(obj["id"])
		if id == "" {
			return nil, info, fmt.Errorf("item %d has no id", i)
		}

		rec := &models.CachedServerRecord{
			ServerID: id,
			Fields:   make(map[string]string, len(src.fields)),
			Payload:  item,
		}
		for _, f := range src.fields {
			if v := scalarString(obj[f]); v != "" {
				rec.Fields[f] = v
			}
		}
		if t, ok := parseServerTime(scalarString(obj["created_at"])); ok {
			rec.SortAt = &t
		}
		records = append(records, rec)
	}
	return records, info, nil
}

// scalarString renders a JSON string or number as text. Other values yield "".
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

var serverTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
}

// parseServerTime accepts RFC 3339 and the naive timestamps the API emits, read as UTC.
func parseServerTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range serverTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
