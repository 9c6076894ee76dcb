package main

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/microcosm-cc/bluemonday"
	"github.com/peterhellberg/link"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed web/*
var webFS embed.FS

// =============================================================================
// VERSION INFORMATION
// =============================================================================

// Version information set by build process
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "unknown"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	Upstream struct {
		Server        string `toml:"server"`
		AccessToken   string `toml:"access_token"`
		ClientTimeout string `toml:"client_timeout"`
	} `toml:"upstream"`
	Database struct {
		Path        string `toml:"path"`
		WalMode     bool   `toml:"wal_mode"`
		BusyTimeout string `toml:"busy_timeout"`
	} `toml:"database"`
	Feed struct {
		PageSize int `toml:"page_size"`
		MaxItems int `toml:"max_items"`
	} `toml:"feed"`
	Cache struct {
		StaleAfter string `toml:"stale_after"`
		GCAfter    string `toml:"gc_after"`
		GCInterval string `toml:"gc_interval"`
	} `toml:"cache"`
	Web struct {
		Listen string `toml:"listen"`
		Port   int    `toml:"port"`
	} `toml:"web"`
	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`
	Search struct {
		IndexedFields []string `toml:"indexed_fields"`
	} `toml:"search"`
}

func defaultConfig() Config {
	return Config{
		Upstream: struct {
			Server        string `toml:"server"`
			AccessToken   string `toml:"access_token"`
			ClientTimeout string `toml:"client_timeout"`
		}{
			Server:        "https://markets.example.com",
			AccessToken:   "",
			ClientTimeout: "30s",
		},
		Database: struct {
			Path        string `toml:"path"`
			WalMode     bool   `toml:"wal_mode"`
			BusyTimeout string `toml:"busy_timeout"`
		}{
			Path:        "./marketscope.db",
			WalMode:     true,
			BusyTimeout: "5s",
		},
		Feed: struct {
			PageSize int `toml:"page_size"`
			MaxItems int `toml:"max_items"`
		}{
			PageSize: 20,
			MaxItems: 200,
		},
		Cache: struct {
			StaleAfter string `toml:"stale_after"`
			GCAfter    string `toml:"gc_after"`
			GCInterval string `toml:"gc_interval"`
		}{
			StaleAfter: "1m",
			GCAfter:    "10m",
			GCInterval: "1m",
		},
		Web: struct {
			Listen string `toml:"listen"`
			Port   int    `toml:"port"`
		}{
			Listen: "127.0.0.1",
			Port:   8080,
		},
		Logging: struct {
			Level  string `toml:"level"`
			Format string `toml:"format"`
		}{
			Level:  "info",
			Format: "console",
		},
		Search: struct {
			IndexedFields []string `toml:"indexed_fields"`
		}{
			IndexedFields: []string{"title", "description", "category", "tags", "outcomes"},
		},
	}
}

func loadConfig(path string, cfg interface{}) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	reader := bytes.NewReader(content)

	// Parse into a map first to see which keys are actually present, so that
	// fields explicitly set to a zero value in the file still override defaults.
	var tomlMap map[string]interface{}
	if _, err := toml.NewDecoder(reader).Decode(&tomlMap); err != nil {
		return err
	}

	if _, err := reader.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to reset reader: %w", err)
	}

	cfgType := reflect.TypeOf(cfg).Elem()
	partial := reflect.New(cfgType).Interface()
	if _, err := toml.NewDecoder(reader).Decode(partial); err != nil {
		return err
	}

	mergeStructs(cfg, partial, tomlMap)
	return nil
}

func mergeStructs(dst, src interface{}, tomlMap map[string]interface{}) {
	dstVal := reflect.ValueOf(dst).Elem()
	srcVal := reflect.ValueOf(src).Elem()
	dstType := dstVal.Type()

	for i := 0; i < dstVal.NumField(); i++ {
		field := dstVal.Field(i)
		srcField := srcVal.Field(i)
		fieldType := dstType.Field(i)

		tomlTag := getTomlTag(fieldType)

		if field.Kind() == reflect.Struct {
			nestedMap := make(map[string]interface{})
			if sectionMap, ok := tomlMap[tomlTag].(map[string]interface{}); ok {
				nestedMap = sectionMap
			}

			mergeStructs(field.Addr().Interface(), srcField.Addr().Interface(), nestedMap)
		} else {
			if _, fieldPresent := tomlMap[tomlTag]; fieldPresent {
				field.Set(srcField)
			} else {
				zero := reflect.Zero(field.Type()).Interface()
				if !reflect.DeepEqual(srcField.Interface(), zero) {
					field.Set(srcField)
				}
			}
		}
	}
}

// getTomlTag extracts the TOML tag from a struct field, or uses the field name if not present.
func getTomlTag(field reflect.StructField) string {
	tag := field.Tag.Get("toml")
	if tag != "" {
		return tag
	}
	return field.Name
}

func parseDurationDefault(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// =============================================================================
// LOGGING
// =============================================================================

func setupLogging(level, format string) {
	logLevel := parseLogLevel(level)
	zerolog.SetGlobalLevel(logLevel)

	if format == "console" {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zlog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if logLevel <= zerolog.DebugLevel {
		zlog.Logger = zlog.Logger.With().Caller().Logger()
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

func validLogLevels() []string {
	return []string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

type FetchErrorKind int

const (
	ErrKindNetwork FetchErrorKind = iota
	ErrKindTimeout
	ErrKindServer
	ErrKindUnauthenticated
	ErrKindValidation
	ErrKindParse
)

func (k FetchErrorKind) String() string {
	switch k {
	case ErrKindNetwork:
		return "network"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindServer:
		return "server"
	case ErrKindUnauthenticated:
		return "unauthenticated"
	case ErrKindValidation:
		return "validation"
	case ErrKindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// FetchError is the single failure type crossing the upstream boundary. Every
// transport error, non-2xx status and malformed payload normalizes to one of
// its kinds before reaching a feed or mutation.
type FetchError struct {
	Kind   FetchErrorKind
	Status int
	msg    string
	cause  error
}

func newFetchError(kind FetchErrorKind, status int, msg string, cause error) *FetchError {
	return &FetchError{Kind: kind, Status: status, msg: msg, cause: cause}
}

func (e *FetchError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.msg)
}

func (e *FetchError) Unwrap() error {
	return e.cause
}

// Retryable reports whether the caller may reasonably re-issue the request.
// Timeouts count as network failures. Nothing here retries automatically.
func (e *FetchError) Retryable() bool {
	return e.Kind == ErrKindNetwork || e.Kind == ErrKindTimeout || e.Kind == ErrKindServer
}

func fetchErrorKind(err error) (FetchErrorKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

func isUnauthenticated(err error) bool {
	kind, ok := fetchErrorKind(err)
	return ok && kind == ErrKindUnauthenticated
}

func classifyStatus(status int) FetchErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return ErrKindUnauthenticated
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrKindValidation
	default:
		return ErrKindServer
	}
}

// =============================================================================
// DOMAIN MODELS
// =============================================================================

type Outcome struct {
	Label string  `json:"label"`
	Price float64 `json:"price"`
}

type Event struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Tags        []string  `json:"tags"`
	Status      string    `json:"status"`
	Volume      float64   `json:"volume"`
	Liquidity   float64   `json:"liquidity"`
	EndDate     time.Time `json:"end_date"`
	Outcomes    []Outcome `json:"outcomes"`
}

// Page is one fetched slice of an upstream collection. Next carries the
// rel="next" URI from the response Link header; empty means the upstream has
// no further pages for this request.
type Page struct {
	Items []Event `json:"items"`
	Next  string  `json:"-"`
}

// upstream wire format
type apiTag struct {
	Label string `json:"label"`
	Slug  string `json:"slug"`
}

type apiOutcome struct {
	Label string  `json:"label"`
	Price float64 `json:"price"`
}

type apiEvent struct {
	ID          string       `json:"id"`
	Slug        string       `json:"slug"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Category    string       `json:"category"`
	Tags        []apiTag     `json:"tags"`
	Closed      bool         `json:"closed"`
	Volume      float64      `json:"volume"`
	Liquidity   float64      `json:"liquidity"`
	EndDate     time.Time    `json:"end_date"`
	Outcomes    []apiOutcome `json:"outcomes"`
}

type apiErrorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Timestamp  string `json:"timestamp"`
}

func convertAPIEvent(raw apiEvent) Event {
	status := "active"
	if raw.Closed {
		status = "closed"
	}

	var tags []string
	for _, tag := range raw.Tags {
		if tag.Label != "" {
			tags = append(tags, tag.Label)
		}
	}

	var outcomes []Outcome
	for _, outcome := range raw.Outcomes {
		outcomes = append(outcomes, Outcome{
			Label: outcome.Label,
			Price: outcome.Price,
		})
	}

	return Event{
		ID:          raw.ID,
		Slug:        raw.Slug,
		Title:       raw.Title,
		Description: stripHTML(raw.Description),
		Category:    raw.Category,
		Tags:        tags,
		Status:      status,
		Volume:      raw.Volume,
		Liquidity:   raw.Liquidity,
		EndDate:     raw.EndDate,
		Outcomes:    outcomes,
	}
}

func buildSearchText(event Event, indexedFields []string) string {
	var searchParts []string

	shouldIndex := func(field string) bool {
		for _, f := range indexedFields {
			if f == field {
				return true
			}
		}
		return false
	}

	if shouldIndex("title") && event.Title != "" {
		searchParts = append(searchParts, event.Title)
	}

	if shouldIndex("description") && event.Description != "" {
		searchParts = append(searchParts, event.Description)
	}

	if shouldIndex("category") && event.Category != "" {
		searchParts = append(searchParts, event.Category)
	}

	if shouldIndex("tags") {
		for _, tag := range event.Tags {
			if tag != "" {
				searchParts = append(searchParts, tag)
			}
		}
	}

	if shouldIndex("outcomes") {
		for _, outcome := range event.Outcomes {
			if outcome.Label != "" {
				searchParts = append(searchParts, outcome.Label)
			}
		}
	}

	return strings.Join(searchParts, " ")
}

func stripHTML(html string) string {
	// StrictPolicy drops all tags; adding a space per stripped tag keeps words
	// from running together.
	policy := bluemonday.StrictPolicy()
	policy = policy.AddSpaceWhenStrippingTag(true)

	cleaned := policy.Sanitize(html)

	cleaned = strings.ReplaceAll(cleaned, "  ", " ")
	cleaned = strings.TrimSpace(cleaned)

	return cleaned
}

// =============================================================================
// FILTER SIGNATURE
// =============================================================================

// FilterSet holds every dimension a feed can be narrowed by. The zero value
// means "everything": no tag, any status, no text query, default ordering.
type FilterSet struct {
	Tag        string
	Status     string
	Query      string
	SortBy     string
	Ascending  bool
	MinVolume  float64
	MaxVolume  float64
	StartAfter time.Time
	EndBefore  time.Time
}

// Signature derives a stable key from the filter set. Two semantically equal
// filter sets produce identical signatures; any change produces a different
// one. String dimensions are query-escaped so free text cannot collide with
// the separator characters.
func (f FilterSet) Signature() string {
	var b strings.Builder
	b.WriteString("tag=")
	b.WriteString(url.QueryEscape(f.Tag))
	b.WriteString("&status=")
	b.WriteString(url.QueryEscape(f.Status))
	b.WriteString("&q=")
	b.WriteString(url.QueryEscape(f.Query))
	b.WriteString("&sort=")
	b.WriteString(url.QueryEscape(f.SortBy))
	b.WriteString("&asc=")
	b.WriteString(strconv.FormatBool(f.Ascending))
	b.WriteString("&vmin=")
	b.WriteString(strconv.FormatFloat(f.MinVolume, 'g', -1, 64))
	b.WriteString("&vmax=")
	b.WriteString(strconv.FormatFloat(f.MaxVolume, 'g', -1, 64))
	b.WriteString("&start=")
	b.WriteString(formatFilterTime(f.StartAfter))
	b.WriteString("&end=")
	b.WriteString(formatFilterTime(f.EndBefore))
	return b.String()
}

func formatFilterTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (f FilterSet) queryParams() url.Values {
	params := url.Values{}
	if f.Tag != "" {
		params.Set("tag", f.Tag)
	}
	if f.Status != "" {
		params.Set("status", f.Status)
	}
	if f.Query != "" {
		params.Set("q", f.Query)
	}
	if f.SortBy != "" {
		params.Set("order", f.SortBy)
		params.Set("ascending", strconv.FormatBool(f.Ascending))
	}
	if f.MinVolume > 0 {
		params.Set("volume_min", strconv.FormatFloat(f.MinVolume, 'f', -1, 64))
	}
	if f.MaxVolume > 0 {
		params.Set("volume_max", strconv.FormatFloat(f.MaxVolume, 'f', -1, 64))
	}
	if !f.StartAfter.IsZero() {
		params.Set("start_date_min", f.StartAfter.UTC().Format(time.RFC3339))
	}
	if !f.EndBefore.IsZero() {
		params.Set("end_date_max", f.EndBefore.UTC().Format(time.RFC3339))
	}
	return params
}

// Cache key namespace: keys are "resource?signature&offset=N" so that
// invalidation can target one resource family without touching the others.
const (
	resourceEvents    = "events"
	resourceWatchlist = "watchlist"
)

func cacheKey(resource, signature string, offset int) string {
	return resource + "?" + signature + "&offset=" + strconv.Itoa(offset)
}

func resourcePrefix(resource string) string {
	return resource + "?"
}

// =============================================================================
// REQUEST CACHE
// =============================================================================

type cacheStatus int

const (
	cacheInFlight cacheStatus = iota
	cacheFresh
	cacheStale
)

func (s cacheStatus) String() string {
	switch s {
	case cacheInFlight:
		return "in-flight"
	case cacheFresh:
		return "fresh"
	case cacheStale:
		return "stale"
	default:
		return "unknown"
	}
}

type cacheEntry struct {
	key       string
	value     Page
	fetchedAt time.Time
	status    cacheStatus
	err       error
	done      chan struct{}
	waiters   int
	// invalidated records an invalidation that arrived while the fetch was in
	// flight: the result is stored stale so the next access reconciles.
	invalidated bool
}

// RequestCache is a shared async-result cache keyed by request signature.
// Entries move in-flight -> fresh -> stale and are evicted by the gc loop once
// idle past gcAfter. At most one producer runs per key at any time; concurrent
// callers for the same key share the single result or the single error.
type RequestCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	staleAfter time.Duration
	gcAfter    time.Duration
	now        func() time.Time
}

func newRequestCache(staleAfter, gcAfter time.Duration) *RequestCache {
	return &RequestCache{
		entries:    make(map[string]*cacheEntry),
		staleAfter: staleAfter,
		gcAfter:    gcAfter,
		now:        time.Now,
	}
}

func clonePage(p Page) Page {
	out := Page{Next: p.Next}
	if p.Items != nil {
		out.Items = make([]Event, len(p.Items))
		copy(out.Items, p.Items)
	}
	return out
}

// get returns the cached value for key if it is present and still fresh.
func (c *RequestCache) get(key string) (Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.status != cacheFresh {
		return Page{}, false
	}
	if c.now().Sub(entry.fetchedAt) > c.staleAfter {
		entry.status = cacheStale
		return Page{}, false
	}
	return clonePage(entry.value), true
}

// fetchOrReuse returns the cached value when fresh, joins an in-flight fetch
// when one exists, and otherwise invokes producer itself. A failed producer
// leaves nothing behind: the next access re-attempts.
func (c *RequestCache) fetchOrReuse(ctx context.Context, key string, producer func(context.Context) (Page, error)) (Page, error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		switch entry.status {
		case cacheFresh:
			if c.now().Sub(entry.fetchedAt) <= c.staleAfter {
				value := clonePage(entry.value)
				c.mu.Unlock()
				return value, nil
			}
			entry.status = cacheStale
		case cacheInFlight:
			entry.waiters++
			done := entry.done
			c.mu.Unlock()

			select {
			case <-done:
			case <-ctx.Done():
				c.mu.Lock()
				entry.waiters--
				c.mu.Unlock()
				return Page{}, ctx.Err()
			}

			c.mu.Lock()
			entry.waiters--
			err := entry.err
			value := clonePage(entry.value)
			c.mu.Unlock()
			if err != nil {
				return Page{}, err
			}
			return value, nil
		}
	}

	entry := &cacheEntry{
		key:    key,
		status: cacheInFlight,
		done:   make(chan struct{}),
	}
	c.entries[key] = entry
	c.mu.Unlock()

	// The producer runs detached from any one caller's context: a consumer
	// cancelling its own request must not fail co-waiters sharing the entry.
	// The initiating caller still honors its context below.
	go func() {
		value, err := producer(context.WithoutCancel(ctx))

		c.mu.Lock()
		defer c.mu.Unlock()

		if err != nil {
			entry.err = err
			if c.entries[key] == entry {
				delete(c.entries, key)
			}
		} else {
			entry.value = clonePage(value)
			entry.fetchedAt = c.now()
			entry.status = cacheFresh
			if entry.invalidated {
				entry.status = cacheStale
			}
		}
		close(entry.done)
	}()

	select {
	case <-entry.done:
	case <-ctx.Done():
		return Page{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.err != nil {
		return Page{}, entry.err
	}
	return clonePage(entry.value), nil
}

// invalidate forces the next access for key to re-fetch. An in-flight fetch
// that started before the invalidation carries pre-invalidation state, so its
// result is recorded stale rather than fresh.
func (c *RequestCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.invalidateEntryLocked(entry)
	}
}

// invalidateResource marks every entry of one resource family stale.
func (c *RequestCache) invalidateResource(resource string) {
	prefix := resourcePrefix(resource)

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.invalidateEntryLocked(entry)
		}
	}
}

func (c *RequestCache) invalidateEntryLocked(entry *cacheEntry) {
	if entry.status == cacheInFlight {
		entry.invalidated = true
		return
	}
	entry.status = cacheStale
}

// updateResource applies fn to the value of every settled entry in a resource
// family. Used by the mutation path to patch cached watchlist pages in place.
func (c *RequestCache) updateResource(resource string, fn func(Page) Page) {
	prefix := resourcePrefix(resource)

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if strings.HasPrefix(key, prefix) && entry.status != cacheInFlight {
			entry.value = fn(clonePage(entry.value))
		}
	}
}

// snapshotResource deep-copies the settled values of one resource family, for
// use as a rollback point.
func (c *RequestCache) snapshotResource(resource string) map[string]Page {
	prefix := resourcePrefix(resource)
	snapshot := make(map[string]Page)

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if strings.HasPrefix(key, prefix) && entry.status != cacheInFlight {
			snapshot[key] = clonePage(entry.value)
		}
	}
	return snapshot
}

// restoreSnapshot puts previously snapshotted values back. Entries evicted or
// re-fetched in the meantime keep their current value.
func (c *RequestCache) restoreSnapshot(snapshot map[string]Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range snapshot {
		if entry, ok := c.entries[key]; ok && entry.status != cacheInFlight {
			entry.value = clonePage(value)
		}
	}
}

// findEvent scans settled entries for the full representation of an item.
func (c *RequestCache) findEvent(itemID string) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		if entry.status == cacheInFlight {
			continue
		}
		for _, event := range entry.value.Items {
			if event.ID == itemID {
				return event, true
			}
		}
	}
	return Event{}, false
}

// gc evicts settled entries idle past gcAfter with no waiters. Runs on a
// periodic timer rather than on every access.
func (c *RequestCache) gc() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, entry := range c.entries {
		if entry.status == cacheInFlight || entry.waiters > 0 {
			continue
		}
		if now.Sub(entry.fetchedAt) > c.gcAfter {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

func (c *RequestCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *RequestCache) startGC(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				zlog.Debug().Msg("Stopping cache gc loop")
				return
			case <-ticker.C:
				if evicted := c.gc(); evicted > 0 {
					zlog.Debug().Int("evicted", evicted).Int("remaining", c.size()).Msg("Cache gc pass completed")
				}
			}
		}
	}()
}

// =============================================================================
// FEED CONTROLLER
// =============================================================================

type feedState int

const (
	feedIdle feedState = iota
	feedLoading
	feedLoaded
	feedExhausted
	feedFailed
)

func (s feedState) String() string {
	switch s {
	case feedIdle:
		return "idle"
	case feedLoading:
		return "loading"
	case feedLoaded:
		return "loaded"
	case feedExhausted:
		return "exhausted"
	case feedFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type pageFetcher interface {
	fetchPage(ctx context.Context, filters FilterSet, offset, limit int) (Page, error)
}

// cachingFetcher routes page fetches through the shared request cache so that
// independent consumers asking for the same (signature, offset) share one
// network call.
type cachingFetcher struct {
	resource string
	cache    *RequestCache
	inner    pageFetcher
}

func (cf *cachingFetcher) fetchPage(ctx context.Context, filters FilterSet, offset, limit int) (Page, error) {
	key := cacheKey(cf.resource, filters.Signature(), offset)
	return cf.cache.fetchOrReuse(ctx, key, func(ctx context.Context) (Page, error) {
		return cf.inner.fetchPage(ctx, filters, offset, limit)
	})
}

// FeedSnapshot is the externally visible state of one feed instance.
type FeedSnapshot struct {
	Signature string  `json:"signature"`
	State     string  `json:"state"`
	Items     []Event `json:"items"`
	Offset    int     `json:"offset"`
	HasMore   bool    `json:"has_more"`
	Error     string  `json:"error,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
}

// FeedController owns the materialized item list for one logical feed. It is a
// five-state machine (idle, loading, loaded, exhausted, failed) driven by
// discrete events: filter change, load-more, fetch success, fetch failure and
// retry. A result resolving after the filters changed is detected by the
// generation counter and discarded instead of corrupting the newer list.
type FeedController struct {
	mu         sync.Mutex
	resource   string
	filters    FilterSet
	signature  string
	state      feedState
	items      []Event
	offset     int
	hasMore    bool
	lastErr    error
	generation uint64
	pageSize   int
	maxItems   int
	fetcher    pageFetcher
	cancel     context.CancelFunc
}

func newFeedController(resource string, pageSize, maxItems int, fetcher pageFetcher) (*FeedController, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive")
	}
	if maxItems < pageSize {
		return nil, fmt.Errorf("max items must be at least one page")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}

	return &FeedController{
		resource:  resource,
		signature: FilterSet{}.Signature(),
		state:     feedIdle,
		hasMore:   true,
		pageSize:  pageSize,
		maxItems:  maxItems,
		fetcher:   fetcher,
	}, nil
}

// SetFilters switches the feed to a new filter set. A semantic change resets
// the feed completely: items cleared, offset zero, has-more true, any fetch in
// flight cancelled. Returns whether the signature changed.
func (fc *FeedController) SetFilters(filters FilterSet) bool {
	signature := filters.Signature()

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if signature == fc.signature {
		return false
	}

	fc.filters = filters
	fc.signature = signature
	fc.resetLocked()
	return true
}

// resetLocked returns the feed to Idle. Bumping the generation is what makes
// any still-outstanding result for the previous state undeliverable.
func (fc *FeedController) resetLocked() {
	if fc.cancel != nil {
		fc.cancel()
		fc.cancel = nil
	}
	fc.generation++
	fc.items = nil
	fc.offset = 0
	fc.hasMore = true
	fc.lastErr = nil
	fc.state = feedIdle
}

// LoadMore fetches the next page and appends it. Calling it while a load is
// already in flight, or after the feed is exhausted or failed, is a no-op;
// failed feeds resume only through Retry.
func (fc *FeedController) LoadMore(ctx context.Context) error {
	fc.mu.Lock()
	if fc.state == feedLoading || fc.state == feedFailed || !fc.hasMore {
		fc.mu.Unlock()
		return nil
	}

	generation := fc.generation
	offset := fc.offset
	filters := fc.filters

	fetchCtx, cancel := context.WithCancel(ctx)
	fc.cancel = cancel
	fc.state = feedLoading
	fc.mu.Unlock()

	page, err := fc.fetcher.fetchPage(fetchCtx, filters, offset, fc.pageSize)
	cancel()

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.generation != generation {
		// Stale response: the feed was reset while this fetch was in flight.
		zlog.Debug().Str("resource", fc.resource).Int("offset", offset).Msg("Discarding stale fetch result")
		return nil
	}

	fc.cancel = nil

	if err != nil {
		fc.state = feedFailed
		fc.lastErr = err
		zlog.Warn().Err(err).Str("resource", fc.resource).Int("offset", offset).Msg("Feed fetch failed")
		return err
	}

	if offset == 0 {
		fc.items = page.Items
	} else {
		fc.items = append(fc.items, page.Items...)
	}
	if len(fc.items) > fc.maxItems {
		fc.items = fc.items[:fc.maxItems]
	}

	switch {
	case len(fc.items) >= fc.maxItems:
		fc.hasMore = false
		fc.state = feedExhausted
	case len(page.Items) < fc.pageSize || page.Next == "":
		fc.hasMore = false
		fc.state = feedExhausted
	default:
		fc.hasMore = true
		fc.offset = offset + fc.pageSize
		fc.state = feedLoaded
	}

	return nil
}

// Retry recovers from a failure with a full reset followed by an immediate
// first-page fetch.
func (fc *FeedController) Retry(ctx context.Context) error {
	fc.mu.Lock()
	fc.resetLocked()
	fc.mu.Unlock()

	return fc.LoadMore(ctx)
}

// Close cancels any outstanding fetch and makes its eventual result
// undeliverable. Called when the feed's consumer goes away.
func (fc *FeedController) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.cancel != nil {
		fc.cancel()
		fc.cancel = nil
	}
	fc.generation++
}

func (fc *FeedController) Snapshot() FeedSnapshot {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	items := make([]Event, len(fc.items))
	copy(items, fc.items)

	snapshot := FeedSnapshot{
		Signature: fc.signature,
		State:     fc.state.String(),
		Items:     items,
		Offset:    fc.offset,
		HasMore:   fc.hasMore,
	}
	if fc.lastErr != nil {
		snapshot.Error = fc.lastErr.Error()
		if kind, ok := fetchErrorKind(fc.lastErr); ok {
			snapshot.ErrorKind = kind.String()
		}
	}
	return snapshot
}

// =============================================================================
// RATE LIMITER
// =============================================================================

type RateLimiter struct {
	maxRequests int
	timeWindow  time.Duration
	mu          sync.Mutex
	requests    []time.Time
}

func newRateLimiter(maxRequests int, timeWindow time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		timeWindow:  timeWindow,
		requests:    make([]time.Time, 0),
	}
}

func (rl *RateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.timeWindow)
	newRequests := make([]time.Time, 0, len(rl.requests))
	for _, req := range rl.requests {
		if req.After(cutoff) {
			newRequests = append(newRequests, req)
		}
	}
	rl.requests = newRequests

	if len(rl.requests) >= rl.maxRequests {
		return false
	}

	rl.requests = append(rl.requests, now)
	return true
}

func (rl *RateLimiter) wait(ctx context.Context) error {
	for !rl.allow() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

// =============================================================================
// MARKET CLIENT
// =============================================================================

type UserAccount struct {
	AccountID   string    `json:"account_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type apiAccount struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// MarketClient talks to the upstream market-data API. Every failure leaving it
// is a *FetchError: transport problems map to network or timeout, non-2xx
// statuses map by code, and undecodable bodies map to parse.
type MarketClient struct {
	server      string
	accessToken string
	httpClient  *http.Client
	rateLimiter *RateLimiter
}

func newMarketClient(cfg *Config) (*MarketClient, error) {
	if cfg.Upstream.Server == "" {
		return nil, fmt.Errorf("upstream server URL is required")
	}

	timeout := 30 * time.Second
	if cfg.Upstream.ClientTimeout != "" {
		var err error
		timeout, err = time.ParseDuration(cfg.Upstream.ClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid client timeout: %w", err)
		}
	}

	return &MarketClient{
		server:      strings.TrimSuffix(cfg.Upstream.Server, "/"),
		accessToken: cfg.Upstream.AccessToken,
		httpClient:  &http.Client{Timeout: timeout},
		rateLimiter: newRateLimiter(150, 5*time.Minute),
	}, nil
}

func (c *MarketClient) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	if err := c.rateLimiter.wait(ctx); err != nil {
		return nil, newFetchError(ErrKindNetwork, 0, "rate limit wait failed", err)
	}

	requestURL := c.server + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, newFetchError(ErrKindValidation, 0, "failed to encode request body", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, newFetchError(ErrKindValidation, 0, "failed to build request", err)
	}

	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
	req.Header.Set("User-Agent", "marketscope/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return resp, nil
}

// classifyTransportError separates timeouts from other transport failures.
// Both are retryable; the distinction is kept for logging and callers.
func classifyTransportError(err error) *FetchError {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return newFetchError(ErrKindTimeout, 0, "request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newFetchError(ErrKindTimeout, 0, "request timed out", err)
	}
	return newFetchError(ErrKindNetwork, 0, "request failed", err)
}

// decodeErrorResponse normalizes a non-2xx response into a FetchError using
// the upstream JSON error body when it has one.
func decodeErrorResponse(resp *http.Response) *FetchError {
	kind := classifyStatus(resp.StatusCode)
	msg := fmt.Sprintf("upstream returned status %d", resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(data) > 0 {
		var body apiErrorBody
		if jsonErr := json.Unmarshal(data, &body); jsonErr == nil && body.Message != "" {
			msg = body.Message
		}
	}

	return newFetchError(kind, resp.StatusCode, msg, nil)
}

func nextLink(resp *http.Response) string {
	for _, l := range link.ParseResponse(resp) {
		if l.Rel == "next" {
			return l.URI
		}
	}
	return ""
}

// fetchEvents performs one page fetch against path. The response is a JSON
// array of events; the rel="next" Link header, when present, points at the
// following page.
func (c *MarketClient) fetchEvents(ctx context.Context, path string, filters FilterSet, offset, limit int) (Page, error) {
	query := filters.queryParams()
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))

	resp, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, decodeErrorResponse(resp)
	}

	next := nextLink(resp)

	var raw []apiEvent
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Page{}, newFetchError(ErrKindParse, resp.StatusCode, "failed to decode event list", err)
	}

	items := make([]Event, len(raw))
	for i, r := range raw {
		items[i] = convertAPIEvent(r)
	}

	return Page{Items: items, Next: next}, nil
}

func (c *MarketClient) fetchPage(ctx context.Context, filters FilterSet, offset, limit int) (Page, error) {
	return c.fetchEvents(ctx, "/api/events", filters, offset, limit)
}

// watchlistFetcher adapts the client's watchlist endpoint to the pageFetcher
// contract used by feed controllers.
type watchlistFetcher struct {
	client *MarketClient
}

func (wf *watchlistFetcher) fetchPage(ctx context.Context, filters FilterSet, offset, limit int) (Page, error) {
	return wf.client.fetchEvents(ctx, "/api/watchlist", filters, offset, limit)
}

func (c *MarketClient) addBookmark(ctx context.Context, itemID string) error {
	if itemID == "" {
		return newFetchError(ErrKindValidation, 0, "item id is required", nil)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/watchlist", nil, map[string]string{"itemId": itemID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeErrorResponse(resp)
	}
	return nil
}

func (c *MarketClient) removeBookmark(ctx context.Context, itemID string) error {
	if itemID == "" {
		return newFetchError(ErrKindValidation, 0, "item id is required", nil)
	}

	query := url.Values{}
	query.Set("item_id", itemID)

	resp, err := c.do(ctx, http.MethodDelete, "/api/watchlist", query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeErrorResponse(resp)
	}
	return nil
}

// verifyCredentials confirms the configured access token against the upstream
// and returns the account it belongs to.
func (c *MarketClient) verifyCredentials(ctx context.Context) (*UserAccount, error) {
	if c.accessToken == "" {
		return nil, newFetchError(ErrKindUnauthenticated, 0, "no access token configured", nil)
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/me", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeErrorResponse(resp)
	}

	var raw apiAccount
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, newFetchError(ErrKindParse, resp.StatusCode, "failed to decode account", err)
	}

	return &UserAccount{
		AccountID:   raw.ID,
		Username:    raw.Username,
		DisplayName: raw.DisplayName,
	}, nil
}

// =============================================================================
// BOOKMARK INDEX
// =============================================================================

// BookmarkIndex is the process-wide set of bookmarked item identifiers. It
// reflects the last known-committed server state overlaid by any optimistic
// mutation currently in flight.
type BookmarkIndex struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func newBookmarkIndex() *BookmarkIndex {
	return &BookmarkIndex{ids: make(map[string]struct{})}
}

func (bi *BookmarkIndex) Add(itemID string) {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	bi.ids[itemID] = struct{}{}
}

func (bi *BookmarkIndex) Remove(itemID string) {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	delete(bi.ids, itemID)
}

func (bi *BookmarkIndex) Has(itemID string) bool {
	bi.mu.RLock()
	defer bi.mu.RUnlock()
	_, ok := bi.ids[itemID]
	return ok
}

// Clear wipes all membership. No stale entry survives a session boundary.
func (bi *BookmarkIndex) Clear() {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	bi.ids = make(map[string]struct{})
}

func (bi *BookmarkIndex) Len() int {
	bi.mu.RLock()
	defer bi.mu.RUnlock()
	return len(bi.ids)
}

func (bi *BookmarkIndex) IDs() []string {
	bi.mu.RLock()
	defer bi.mu.RUnlock()

	ids := make([]string, 0, len(bi.ids))
	for id := range bi.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// =============================================================================
// MUTATION COORDINATOR
// =============================================================================

type mutationKind int

const (
	mutationAdd mutationKind = iota
	mutationRemove
)

func (k mutationKind) String() string {
	if k == mutationAdd {
		return "add"
	}
	return "remove"
}

// MutationRecord is the undo log for one optimistic mutation: everything
// needed to put the index and the watchlist cache back exactly as they were.
type MutationRecord struct {
	itemID        string
	kind          mutationKind
	prevMember    bool
	prevWatchlist map[string]Page
}

type bookmarkCommitter interface {
	addBookmark(ctx context.Context, itemID string) error
	removeBookmark(ctx context.Context, itemID string) error
}

// MutationCoordinator executes bookmark mutations optimistically: index and
// cache are patched synchronously, then the commit request runs; on failure
// both are restored from the MutationRecord before the error surfaces, so no
// caller ever observes inconsistent bookmark state. Mutations are serialized
// per item id; unrelated items proceed concurrently.
// itemLock serializes mutations per item id. The refcount lets the
// coordinator drop the map entry once no goroutine holds or waits on it.
type itemLock struct {
	mu   sync.Mutex
	refs int
}

type MutationCoordinator struct {
	index         *BookmarkIndex
	cache         *RequestCache
	client        bookmarkCommitter
	store         *BookmarkStore
	indexedFields []string
	events        chan<- ServerEvent

	mu        sync.Mutex
	itemLocks map[string]*itemLock
}

func newMutationCoordinator(index *BookmarkIndex, cache *RequestCache, client bookmarkCommitter, store *BookmarkStore, indexedFields []string, events chan<- ServerEvent) (*MutationCoordinator, error) {
	if index == nil {
		return nil, fmt.Errorf("bookmark index cannot be nil")
	}
	if cache == nil {
		return nil, fmt.Errorf("request cache cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("commit client cannot be nil")
	}

	return &MutationCoordinator{
		index:         index,
		cache:         cache,
		client:        client,
		store:         store,
		indexedFields: indexedFields,
		events:        events,
		itemLocks:     make(map[string]*itemLock),
	}, nil
}

func (mc *MutationCoordinator) acquireItemLock(itemID string) *itemLock {
	mc.mu.Lock()
	lock, ok := mc.itemLocks[itemID]
	if !ok {
		lock = &itemLock{}
		mc.itemLocks[itemID] = lock
	}
	lock.refs++
	mc.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (mc *MutationCoordinator) releaseItemLock(itemID string, lock *itemLock) {
	lock.mu.Unlock()

	mc.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(mc.itemLocks, itemID)
	}
	mc.mu.Unlock()
}

func (mc *MutationCoordinator) emit(event ServerEvent) {
	if mc.events == nil {
		return
	}
	select {
	case mc.events <- event:
	default:
	}
}

// Mutate toggles bookmark membership for item. A second mutation for the same
// item while one is pending waits for the first to settle: last writer wins on
// intent, not on network completion order. The item's full representation is
// used when available so an optimistic add can show up in cached watchlist
// pages immediately; membership-only mutations carry just the id.
func (mc *MutationCoordinator) Mutate(ctx context.Context, item Event, kind mutationKind) error {
	if item.ID == "" {
		return newFetchError(ErrKindValidation, 0, "item id is required", nil)
	}

	lock := mc.acquireItemLock(item.ID)
	defer mc.releaseItemLock(item.ID, lock)

	record := MutationRecord{
		itemID:        item.ID,
		kind:          kind,
		prevMember:    mc.index.Has(item.ID),
		prevWatchlist: mc.cache.snapshotResource(resourceWatchlist),
	}

	switch kind {
	case mutationAdd:
		mc.index.Add(item.ID)
		if item.Title != "" {
			mc.cache.updateResource(resourceWatchlist, func(page Page) Page {
				page.Items = append([]Event{item}, page.Items...)
				return page
			})
		}
	case mutationRemove:
		mc.index.Remove(item.ID)
		mc.cache.updateResource(resourceWatchlist, func(page Page) Page {
			kept := page.Items[:0]
			for _, event := range page.Items {
				if event.ID != item.ID {
					kept = append(kept, event)
				}
			}
			page.Items = kept
			return page
		})
	}

	var err error
	if kind == mutationAdd {
		err = mc.client.addBookmark(ctx, item.ID)
	} else {
		err = mc.client.removeBookmark(ctx, item.ID)
	}

	if err != nil {
		mc.rollback(record)
		zlog.Warn().Err(err).Str("item_id", item.ID).Str("kind", kind.String()).Msg("Bookmark mutation rolled back")
		mc.emit(ServerEvent{
			Type: "mutation_rolled_back",
			Payload: map[string]interface{}{
				"item_id": item.ID,
				"kind":    kind.String(),
			},
		})
		return err
	}

	// The server's ordering is authoritative; invalidating forces the next
	// watchlist read to reconcile instead of trusting the optimistic patch.
	mc.cache.invalidateResource(resourceWatchlist)
	mc.persist(item, kind)

	zlog.Debug().Str("item_id", item.ID).Str("kind", kind.String()).Msg("Bookmark mutation committed")
	mc.emit(ServerEvent{
		Type: "mutation_committed",
		Payload: map[string]interface{}{
			"item_id": item.ID,
			"kind":    kind.String(),
		},
	})
	return nil
}

func (mc *MutationCoordinator) rollback(record MutationRecord) {
	if record.prevMember {
		mc.index.Add(record.itemID)
	} else {
		mc.index.Remove(record.itemID)
	}
	mc.cache.restoreSnapshot(record.prevWatchlist)
}

// persist mirrors the committed state into the local archive. Failures here
// are logged, not surfaced: the server already accepted the mutation.
func (mc *MutationCoordinator) persist(item Event, kind mutationKind) {
	if mc.store == nil {
		return
	}

	var err error
	if kind == mutationAdd {
		err = mc.store.insertBookmark(item, mc.indexedFields)
	} else {
		err = mc.store.deleteBookmark(item.ID)
	}
	if err != nil {
		zlog.Error().Err(err).Str("item_id", item.ID).Msg("Failed to persist committed bookmark state")
	}
}

// =============================================================================
// BOOKMARK STORE
// =============================================================================

type DBBookmark struct {
	ItemID     string    `json:"item_id"`
	Title      string    `json:"title"`
	Category   string    `json:"category"`
	AddedAt    time.Time `json:"added_at"`
	SearchText string    `json:"search_text"`
	RawJSON    string    `json:"raw_json"`
}

type SearchRequest struct {
	Query              string `json:"query"`
	Limit              int    `json:"limit,omitempty"`
	Offset             int    `json:"offset,omitempty"`
	EnableHighlighting bool   `json:"enable_highlighting,omitempty"`
	SnippetLength      int    `json:"snippet_length,omitempty"`
}

type SearchResult struct {
	Bookmark *DBBookmark `json:"bookmark"`
	Rank     float64     `json:"rank"`
	Snippet  string      `json:"snippet,omitempty"`
}

// BookmarkStore is the local SQLite archive of the committed watchlist plus
// the signed-in account row. It only ever holds server-confirmed state; the
// optimistic overlay lives in BookmarkIndex and RequestCache.
type BookmarkStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

func newBookmarkStore(cfg Config) (*BookmarkStore, error) {
	var busyTimeout time.Duration
	var err error
	if cfg.Database.BusyTimeout != "" {
		busyTimeout, err = time.ParseDuration(cfg.Database.BusyTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid busy timeout: %w", err)
		}
	} else {
		busyTimeout = 5 * time.Second
	}

	dir := filepath.Dir(cfg.Database.Path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	busyTimeoutMs := int(busyTimeout.Milliseconds())
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if cfg.Database.WalMode {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	store := &BookmarkStore{db: db, path: cfg.Database.Path}

	if err := store.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *BookmarkStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// getDB safely returns the database connection
func (s *BookmarkStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	return s.db, nil
}

func (s *BookmarkStore) runMigrations() error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			zlog.Warn().Err(err).Msg("failed to rollback migration transaction")
		}
	}()

	for _, stmt := range getMigrationStatements() {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration statement: %w", err)
		}
	}

	return tx.Commit()
}

func getMigrationStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS bookmarks (
			item_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			search_text TEXT NOT NULL,
			raw_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_added_at ON bookmarks(added_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS bookmarks_fts USING fts5(
			item_id UNINDEXED,
			search_text,
			content='bookmarks',
			content_rowid='rowid',
			tokenize='porter unicode61 remove_diacritics 1'
		)`,
		`CREATE TRIGGER IF NOT EXISTS bookmarks_fts_insert AFTER INSERT ON bookmarks BEGIN
			INSERT INTO bookmarks_fts(rowid, item_id, search_text)
			VALUES (new.rowid, new.item_id, new.search_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS bookmarks_fts_delete AFTER DELETE ON bookmarks BEGIN
			INSERT INTO bookmarks_fts(bookmarks_fts, rowid, item_id, search_text)
			VALUES('delete', old.rowid, old.item_id, old.search_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS bookmarks_fts_update AFTER UPDATE ON bookmarks BEGIN
			INSERT INTO bookmarks_fts(bookmarks_fts, rowid, item_id, search_text)
			VALUES('delete', old.rowid, old.item_id, old.search_text);
			INSERT INTO bookmarks_fts(rowid, item_id, search_text)
			VALUES (new.rowid, new.item_id, new.search_text);
		END`,
		`CREATE TABLE IF NOT EXISTS user_account (
			id INTEGER PRIMARY KEY DEFAULT 1,
			account_id TEXT NOT NULL,
			username TEXT NOT NULL,
			display_name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (id = 1)
		)`,
	}
}

func (s *BookmarkStore) insertBookmark(event Event, indexedFields []string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	rawJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	query := `INSERT OR REPLACE INTO bookmarks
		(item_id, title, category, added_at, search_text, raw_json)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err = db.Exec(query,
		event.ID,
		event.Title,
		event.Category,
		time.Now().UTC(),
		buildSearchText(event, indexedFields),
		string(rawJSON),
	)

	if err != nil {
		return fmt.Errorf("failed to insert bookmark: %w", err)
	}
	return nil
}

func (s *BookmarkStore) deleteBookmark(itemID string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	if _, err := db.Exec(`DELETE FROM bookmarks WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("failed to delete bookmark: %w", err)
	}
	return nil
}

func (s *BookmarkStore) getBookmark(itemID string) (*DBBookmark, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	query := `SELECT item_id, title, category, added_at, search_text, raw_json
		FROM bookmarks WHERE item_id = ?`

	var bookmark DBBookmark
	err = db.QueryRow(query, itemID).Scan(
		&bookmark.ItemID,
		&bookmark.Title,
		&bookmark.Category,
		&bookmark.AddedAt,
		&bookmark.SearchText,
		&bookmark.RawJSON,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get bookmark: %w", err)
	}
	return &bookmark, nil
}

func (s *BookmarkStore) listBookmarkIDs() ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT item_id FROM bookmarks ORDER BY added_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmark ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan bookmark id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over bookmark ids: %w", err)
	}
	return ids, nil
}

func (s *BookmarkStore) countBookmarks() (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM bookmarks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count bookmarks: %w", err)
	}
	return count, nil
}

// clearAll wipes both the archive and the account row, for sign-out.
func (s *BookmarkStore) clearAll() error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	if _, err := db.Exec(`DELETE FROM bookmarks`); err != nil {
		return fmt.Errorf("failed to clear bookmarks: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM user_account`); err != nil {
		return fmt.Errorf("failed to clear user account: %w", err)
	}
	return nil
}

func (s *BookmarkStore) insertUserAccount(account *UserAccount) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	query := `INSERT OR REPLACE INTO user_account
		(id, account_id, username, display_name, updated_at)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)`

	_, err = db.Exec(query,
		account.AccountID,
		account.Username,
		account.DisplayName,
	)

	if err != nil {
		return fmt.Errorf("failed to insert user account: %w", err)
	}
	return nil
}

func (s *BookmarkStore) getUserAccount() (*UserAccount, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	query := `SELECT account_id, username, display_name, created_at, updated_at
		FROM user_account WHERE id = 1`

	var account UserAccount
	err = db.QueryRow(query).Scan(
		&account.AccountID,
		&account.Username,
		&account.DisplayName,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user account: %w", err)
	}
	return &account, nil
}

// searchBookmarks runs an FTS5 query over the archive, or lists recent
// bookmarks when the query is blank.
func (s *BookmarkStore) searchBookmarks(request *SearchRequest) ([]*SearchResult, error) {
	if strings.TrimSpace(request.Query) == "" {
		return s.recentBookmarks(request.Limit, request.Offset)
	}

	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	limit := request.Limit
	if limit <= 0 {
		limit = 100
	}

	offset := request.Offset
	if offset < 0 {
		offset = 0
	}

	snippetLength := request.SnippetLength
	if snippetLength <= 0 {
		snippetLength = 200
	}

	searchQuery := prepareFTS5Query(request.Query)

	var query string
	var args []interface{}

	if request.EnableHighlighting {
		query = `
			SELECT
				b.item_id, b.title, b.category, b.added_at, b.search_text, b.raw_json,
				bm25(bookmarks_fts) as rank,
				snippet(bookmarks_fts, 1, '<mark>', '</mark>', '...', ?) as snippet
			FROM bookmarks_fts
			JOIN bookmarks b ON b.rowid = bookmarks_fts.rowid
			WHERE bookmarks_fts MATCH ?
			ORDER BY rank
			LIMIT ? OFFSET ?`
		args = []interface{}{snippetLength, searchQuery, limit, offset}
	} else {
		query = `
			SELECT
				b.item_id, b.title, b.category, b.added_at, b.search_text, b.raw_json,
				bm25(bookmarks_fts) as rank
			FROM bookmarks_fts
			JOIN bookmarks b ON b.rowid = bookmarks_fts.rowid
			WHERE bookmarks_fts MATCH ?
			ORDER BY rank
			LIMIT ? OFFSET ?`
		args = []interface{}{searchQuery, limit, offset}
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute FTS5 search: %w", err)
	}
	defer rows.Close()

	results := []*SearchResult{}
	for rows.Next() {
		var bookmark DBBookmark
		var rank float64
		var snippet sql.NullString

		if request.EnableHighlighting {
			err = rows.Scan(
				&bookmark.ItemID,
				&bookmark.Title,
				&bookmark.Category,
				&bookmark.AddedAt,
				&bookmark.SearchText,
				&bookmark.RawJSON,
				&rank,
				&snippet,
			)
		} else {
			err = rows.Scan(
				&bookmark.ItemID,
				&bookmark.Title,
				&bookmark.Category,
				&bookmark.AddedAt,
				&bookmark.SearchText,
				&bookmark.RawJSON,
				&rank,
			)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}

		result := &SearchResult{
			Bookmark: &bookmark,
			Rank:     rank,
		}

		if snippet.Valid {
			result.Snippet = snippet.String
		}

		results = append(results, result)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over search results: %w", err)
	}

	return results, nil
}

func (s *BookmarkStore) recentBookmarks(limit, offset int) ([]*SearchResult, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT item_id, title, category, added_at, search_text, raw_json
		FROM bookmarks ORDER BY added_at DESC LIMIT ? OFFSET ?`

	rows, err := db.Query(query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to execute recent bookmarks query: %w", err)
	}
	defer rows.Close()

	results := []*SearchResult{}
	for rows.Next() {
		var bookmark DBBookmark

		err = rows.Scan(
			&bookmark.ItemID,
			&bookmark.Title,
			&bookmark.Category,
			&bookmark.AddedAt,
			&bookmark.SearchText,
			&bookmark.RawJSON,
		)

		if err != nil {
			return nil, fmt.Errorf("failed to scan recent bookmark result: %w", err)
		}

		results = append(results, &SearchResult{Bookmark: &bookmark, Rank: 0.0})
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over recent bookmark results: %w", err)
	}

	return results, nil
}

func prepareFTS5Query(query string) string {
	query = strings.TrimSpace(query)

	if strings.HasPrefix(query, "\"") && strings.HasSuffix(query, "\"") {
		return query
	}

	upperQuery := strings.ToUpper(query)
	if strings.Contains(upperQuery, " AND ") || strings.Contains(upperQuery, " OR ") || strings.Contains(upperQuery, " NOT ") {
		return query
	}

	if !strings.HasSuffix(query, "*") && !strings.HasSuffix(query, "\"") && !strings.Contains(query, "\"") {
		words := strings.Fields(query)
		for i, word := range words {
			if !strings.HasSuffix(word, "*") && !strings.HasSuffix(word, "\"") && !strings.Contains(word, "\"") {
				words[i] = word + "*"
			}
		}
		return strings.Join(words, " ")
	}

	return query
}

// =============================================================================
// SESSION
// =============================================================================

// Session ties the user-scoped state (bookmark index, watchlist cache family,
// local archive) to explicit sign-in/sign-out boundaries instead of ambient
// globals.
type Session struct {
	mu      sync.Mutex
	index   *BookmarkIndex
	cache   *RequestCache
	store   *BookmarkStore
	client  *MarketClient
	events  chan<- ServerEvent
	account *UserAccount
}

func newSession(index *BookmarkIndex, cache *RequestCache, store *BookmarkStore, client *MarketClient, events chan<- ServerEvent) *Session {
	return &Session{
		index:  index,
		cache:  cache,
		store:  store,
		client: client,
		events: events,
	}
}

// signIn verifies the configured credentials, stores the account and seeds the
// bookmark index from the local archive. The first watchlist fetch afterwards
// reconciles with the server's authoritative state.
func (s *Session) signIn(ctx context.Context) error {
	account, err := s.client.verifyCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Membership left behind by an earlier session (e.g. a sign-out that failed
	// partway through) must not leak across the boundary.
	s.index.Clear()

	if s.store != nil {
		if err := s.store.insertUserAccount(account); err != nil {
			zlog.Warn().Err(err).Msg("Failed to store user account information")
		}

		ids, err := s.store.listBookmarkIDs()
		if err != nil {
			zlog.Warn().Err(err).Msg("Failed to seed bookmark index from archive")
		} else {
			for _, id := range ids {
				s.index.Add(id)
			}
		}
	}

	s.account = account
	zlog.Info().Str("account_id", account.AccountID).Str("username", account.Username).Msg("Signed in")

	s.emit(ServerEvent{Type: "signed_in", Payload: map[string]interface{}{"username": account.Username}})
	return nil
}

// signOut clears every trace of user-scoped state: index membership, cached
// watchlist entries and the local archive. Synchronous and total.
func (s *Session) signOut() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index.Clear()
	s.cache.invalidateResource(resourceWatchlist)

	if s.store != nil {
		if err := s.store.clearAll(); err != nil {
			return fmt.Errorf("failed to clear local archive: %w", err)
		}
	}

	s.account = nil
	zlog.Info().Msg("Signed out")

	s.emit(ServerEvent{Type: "signed_out", Payload: map[string]interface{}{}})
	return nil
}

func (s *Session) currentAccount() *UserAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

func (s *Session) signedIn() bool {
	return s.currentAccount() != nil
}

func (s *Session) emit(event ServerEvent) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

// =============================================================================
// FEED ENGINE
// =============================================================================

// FeedEngine owns the shared cache and the set of live feed controllers. Each
// logical feed (a browser view) gets its own controller; all of them read
// through the one RequestCache.
type FeedEngine struct {
	cache    *RequestCache
	client   *MarketClient
	pageSize int
	maxItems int

	mu    sync.Mutex
	feeds map[string]*FeedController
}

func newFeedEngine(cache *RequestCache, client *MarketClient, pageSize, maxItems int) (*FeedEngine, error) {
	if cache == nil {
		return nil, fmt.Errorf("request cache cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("market client cannot be nil")
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if maxItems < pageSize {
		maxItems = pageSize * 10
	}

	return &FeedEngine{
		cache:    cache,
		client:   client,
		pageSize: pageSize,
		maxItems: maxItems,
		feeds:    make(map[string]*FeedController),
	}, nil
}

// feed returns the controller for feedID, creating it on first use. The
// watchlist feed reads the watchlist endpoint; everything else reads events.
func (e *FeedEngine) feed(feedID, resource string) (*FeedController, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fc, ok := e.feeds[feedID]; ok {
		return fc, nil
	}

	var inner pageFetcher = e.client
	if resource == resourceWatchlist {
		inner = &watchlistFetcher{client: e.client}
	}

	fc, err := newFeedController(resource, e.pageSize, e.maxItems, &cachingFetcher{
		resource: resource,
		cache:    e.cache,
		inner:    inner,
	})
	if err != nil {
		return nil, err
	}

	e.feeds[feedID] = fc
	return fc, nil
}

func (e *FeedEngine) lookupFeed(feedID string) (*FeedController, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fc, ok := e.feeds[feedID]
	return fc, ok
}

func (e *FeedEngine) closeFeed(feedID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fc, ok := e.feeds[feedID]; ok {
		fc.Close()
		delete(e.feeds, feedID)
	}
}

func (e *FeedEngine) feedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.feeds)
}

func (e *FeedEngine) findEvent(itemID string) (Event, bool) {
	return e.cache.findEvent(itemID)
}

// =============================================================================
// WEB SERVER AND EVENTS
// =============================================================================

type ServerEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type EventBroadcaster struct {
	clients  map[chan ServerEvent]bool
	mutex    sync.RWMutex
	shutdown bool
}

func newEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients: make(map[chan ServerEvent]bool),
	}
}

func (eb *EventBroadcaster) addClient(client chan ServerEvent) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	eb.clients[client] = true
}

func (eb *EventBroadcaster) removeClient(client chan ServerEvent) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if eb.shutdown {
		return
	}

	if _, exists := eb.clients[client]; exists {
		delete(eb.clients, client)
		close(client)
	}
}

func (eb *EventBroadcaster) broadcast(event ServerEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	if eb.shutdown {
		return
	}

	for client := range eb.clients {
		select {
		case client <- event:
		default:
		}
	}
}

func (eb *EventBroadcaster) closeAllClients() {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	eb.shutdown = true
	for client := range eb.clients {
		close(client)
	}
	eb.clients = make(map[chan ServerEvent]bool)
}

type WebServer struct {
	config      *Config
	engine      *FeedEngine
	mutations   *MutationCoordinator
	session     *Session
	store       *BookmarkStore
	broadcaster *EventBroadcaster
	server      *http.Server
}

func newWebServer(cfg *Config, engine *FeedEngine, mutations *MutationCoordinator, session *Session, store *BookmarkStore, eventChan <-chan ServerEvent) *WebServer {
	broadcaster := newEventBroadcaster()

	go func() {
		for event := range eventChan {
			broadcaster.broadcast(event)
		}
	}()

	return &WebServer{
		config:      cfg,
		engine:      engine,
		mutations:   mutations,
		session:     session,
		store:       store,
		broadcaster: broadcaster,
	}
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	webSubFS, err := fs.Sub(webFS, "web")
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to create web sub-filesystem")
		return mux
	}

	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(webSubFS))))
	mux.HandleFunc("/", ws.handleIndex)
	mux.HandleFunc("/api/feed", ws.handleFeed)
	mux.HandleFunc("/api/feed/more", ws.handleFeedMore)
	mux.HandleFunc("/api/feed/retry", ws.handleFeedRetry)
	mux.HandleFunc("/api/watchlist", ws.handleWatchlist)
	mux.HandleFunc("/api/bookmarks", ws.handleBookmarks)
	mux.HandleFunc("/api/bookmarks/search", ws.handleBookmarkSearch)
	mux.HandleFunc("/api/session/signin", ws.handleSignin)
	mux.HandleFunc("/api/session/signout", ws.handleSignout)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/events", ws.handleEvents)

	return mux
}

func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data, err := webFS.ReadFile("web/index.html")
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		zlog.Error().Err(err).Msg("Failed to read index.html")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if _, err := w.Write(data); err != nil {
		zlog.Error().Err(err).Msg("failed to write response data")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zlog.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error":      kind,
		"message":    message,
		"statusCode": status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func resourceForFeed(feedID string) string {
	if feedID == "watchlist" {
		return resourceWatchlist
	}
	return resourceEvents
}

func filtersFromQuery(values url.Values) (FilterSet, error) {
	filters := FilterSet{
		Tag:    values.Get("tag"),
		Status: values.Get("status"),
		Query:  values.Get("q"),
		SortBy: values.Get("sort"),
	}

	switch filters.Status {
	case "", "all", "active", "closed":
	default:
		return FilterSet{}, fmt.Errorf("invalid status filter: %q", filters.Status)
	}
	if filters.Status == "all" {
		filters.Status = ""
	}

	if raw := values.Get("asc"); raw != "" {
		asc, err := strconv.ParseBool(raw)
		if err != nil {
			return FilterSet{}, fmt.Errorf("invalid asc parameter: %q", raw)
		}
		filters.Ascending = asc
	}

	if raw := values.Get("min_volume"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			return FilterSet{}, fmt.Errorf("invalid min_volume parameter: %q", raw)
		}
		filters.MinVolume = v
	}

	if raw := values.Get("max_volume"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			return FilterSet{}, fmt.Errorf("invalid max_volume parameter: %q", raw)
		}
		filters.MaxVolume = v
	}

	if raw := values.Get("start_after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return FilterSet{}, fmt.Errorf("invalid start_after parameter: %q", raw)
		}
		filters.StartAfter = t
	}

	if raw := values.Get("end_before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return FilterSet{}, fmt.Errorf("invalid end_before parameter: %q", raw)
		}
		filters.EndBefore = t
	}

	return filters, nil
}

// serveFeed applies the requested filters to the feed and returns its
// snapshot, loading the first page when the feed is idle. Fetch failures are
// reported inside the snapshot (state "failed") so the UI can offer retry
// inline rather than losing the view.
func (ws *WebServer) serveFeed(w http.ResponseWriter, r *http.Request, feedID string) {
	filters, err := filtersFromQuery(r.URL.Query())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	fc, err := ws.engine.feed(feedID, resourceForFeed(feedID))
	if err != nil {
		zlog.Error().Err(err).Str("feed", feedID).Msg("Failed to create feed controller")
		writeJSONError(w, http.StatusInternalServerError, "server", "failed to create feed")
		return
	}

	fc.SetFilters(filters)
	if fc.Snapshot().State == "idle" {
		_ = fc.LoadMore(r.Context())
	}

	writeJSON(w, http.StatusOK, fc.Snapshot())
}

func (ws *WebServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	feedID := r.URL.Query().Get("feed")
	if feedID == "" {
		feedID = "main"
	}
	if feedID == "watchlist" {
		writeJSONError(w, http.StatusBadRequest, "validation", "use /api/watchlist for the watchlist feed")
		return
	}

	ws.serveFeed(w, r, feedID)
}

func (ws *WebServer) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws.serveFeed(w, r, "watchlist")
}

func (ws *WebServer) handleFeedMore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	feedID := r.URL.Query().Get("feed")
	if feedID == "" {
		feedID = "main"
	}

	fc, ok := ws.engine.lookupFeed(feedID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "validation", "unknown feed")
		return
	}

	_ = fc.LoadMore(r.Context())
	writeJSON(w, http.StatusOK, fc.Snapshot())
}

func (ws *WebServer) handleFeedRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	feedID := r.URL.Query().Get("feed")
	if feedID == "" {
		feedID = "main"
	}

	fc, ok := ws.engine.lookupFeed(feedID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "validation", "unknown feed")
		return
	}

	_ = fc.Retry(r.Context())
	writeJSON(w, http.StatusOK, fc.Snapshot())
}

func (ws *WebServer) handleBookmarks(w http.ResponseWriter, r *http.Request) {
	var itemID string
	var kind mutationKind

	switch r.Method {
	case http.MethodPost:
		var body struct {
			ItemID string `json:"item_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "validation", "invalid JSON body")
			return
		}
		itemID = body.ItemID
		kind = mutationAdd
	case http.MethodDelete:
		itemID = r.URL.Query().Get("item_id")
		kind = mutationRemove
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if itemID == "" {
		writeJSONError(w, http.StatusBadRequest, "validation", "item_id is required")
		return
	}

	item, ok := ws.engine.findEvent(itemID)
	if !ok {
		item = Event{ID: itemID}
	}

	if err := ws.mutations.Mutate(r.Context(), item, kind); err != nil {
		if isUnauthenticated(err) {
			writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "sign in to manage your watchlist")
			return
		}
		if errKind, ok := fetchErrorKind(err); ok && errKind == ErrKindValidation {
			writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		zlog.Error().Err(err).Str("item_id", itemID).Msg("Bookmark mutation failed")
		writeJSONError(w, http.StatusBadGateway, "server", "bookmark mutation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"item_id":    itemID,
		"bookmarked": kind == mutationAdd,
	})
}

func (ws *WebServer) handleBookmarkSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	values := r.URL.Query()
	request := SearchRequest{
		Query:              values.Get("q"),
		EnableHighlighting: values.Get("highlight") == "true",
	}
	if raw := values.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			request.Limit = limit
		}
	}
	if raw := values.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			request.Offset = offset
		}
	}

	results, err := ws.store.searchBookmarks(&request)
	if err != nil {
		zlog.Error().Err(err).Str("query", request.Query).Msg("Watchlist search failed")
		writeJSONError(w, http.StatusInternalServerError, "server", "search failed")
		return
	}

	writeJSON(w, http.StatusOK, results)
}

func (ws *WebServer) handleSignin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := ws.session.signIn(r.Context()); err != nil {
		if isUnauthenticated(err) {
			writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "access token rejected by upstream")
			return
		}
		zlog.Error().Err(err).Msg("Sign-in failed")
		writeJSONError(w, http.StatusBadGateway, "server", "sign-in failed")
		return
	}

	account := ws.session.currentAccount()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"signed_in": true,
		"username":  account.Username,
	})
}

func (ws *WebServer) handleSignout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := ws.session.signOut(); err != nil {
		zlog.Error().Err(err).Msg("Sign-out failed")
		writeJSONError(w, http.StatusInternalServerError, "server", "sign-out failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"signed_in": false})
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bookmarkCount, err := ws.store.countBookmarks()
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to count bookmarks")
		writeJSONError(w, http.StatusInternalServerError, "server", "failed to get stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bookmarks":     bookmarkCount,
		"cache_entries": ws.engine.cache.size(),
		"feeds":         ws.engine.feedCount(),
		"signed_in":     ws.session.signedIn(),
		"updated_at":    time.Now(),
	})
}

func (ws *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	client := make(chan ServerEvent, 50)
	ws.broadcaster.addClient(client)
	defer ws.broadcaster.removeClient(client)

	ctx := r.Context()

	fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-client:
			if !ok {
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				zlog.Debug().Err(err).Msg("Failed to marshal SSE event")
				continue
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}

			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(w, "data: {\"type\":\"heartbeat\"}\n\n"); err != nil {
				return
			}

			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
	}
}

func (ws *WebServer) start() error {
	addr := fmt.Sprintf("%s:%d", ws.config.Web.Listen, ws.config.Web.Port)

	ws.server = &http.Server{
		Addr:         addr,
		Handler:      ws.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	zlog.Info().Str("address", addr).Msg("Starting web server")

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error().Err(err).Msg("Web server error")
		}
	}()

	return nil
}

func (ws *WebServer) stop() error {
	if ws.server == nil {
		return nil
	}

	zlog.Info().Msg("Stopping web server")

	if ws.broadcaster != nil {
		ws.broadcaster.closeAllClients()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(ctx); err != nil {
		if err := ws.server.Close(); err != nil {
			return fmt.Errorf("failed to force close server: %w", err)
		}
		zlog.Debug().Msg("Web server force closed after graceful shutdown timeout")
		return nil
	}

	return nil
}

// =============================================================================
// MAIN APPLICATION
// =============================================================================

type MarketScopeApp struct {
	config    Config
	ctx       context.Context
	cancel    context.CancelFunc
	store     *BookmarkStore
	cache     *RequestCache
	client    *MarketClient
	index     *BookmarkIndex
	engine    *FeedEngine
	session   *Session
	mutations *MutationCoordinator
	webServer *WebServer
	eventChan chan ServerEvent
}

func newMarketScopeApp(cfg *Config) (*MarketScopeApp, error) {
	zlog.Info().Msg("Starting marketscope service")

	ctx, cancel := context.WithCancel(context.Background())

	store, err := newBookmarkStore(*cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client, err := newMarketClient(cfg)
	if err != nil {
		store.close()
		cancel()
		return nil, fmt.Errorf("failed to create market client: %w", err)
	}

	cache := newRequestCache(
		parseDurationDefault(cfg.Cache.StaleAfter, time.Minute),
		parseDurationDefault(cfg.Cache.GCAfter, 10*time.Minute),
	)

	engine, err := newFeedEngine(cache, client, cfg.Feed.PageSize, cfg.Feed.MaxItems)
	if err != nil {
		store.close()
		cancel()
		return nil, fmt.Errorf("failed to create feed engine: %w", err)
	}

	eventChan := make(chan ServerEvent, 100)

	index := newBookmarkIndex()
	session := newSession(index, cache, store, client, eventChan)

	mutations, err := newMutationCoordinator(index, cache, client, store, cfg.Search.IndexedFields, eventChan)
	if err != nil {
		store.close()
		cancel()
		return nil, fmt.Errorf("failed to create mutation coordinator: %w", err)
	}

	webServer := newWebServer(cfg, engine, mutations, session, store, eventChan)

	return &MarketScopeApp{
		config:    *cfg,
		ctx:       ctx,
		cancel:    cancel,
		store:     store,
		cache:     cache,
		client:    client,
		index:     index,
		engine:    engine,
		session:   session,
		mutations: mutations,
		webServer: webServer,
		eventChan: eventChan,
	}, nil
}

func (app *MarketScopeApp) start() error {
	if err := app.webServer.start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	app.cache.startGC(app.ctx, parseDurationDefault(app.config.Cache.GCInterval, time.Minute))

	// Browsing works without credentials; sign-in is best effort at startup
	// and can be retried through the API.
	if app.config.Upstream.AccessToken != "" {
		go func() {
			if err := app.session.signIn(app.ctx); err != nil {
				zlog.Warn().Err(err).Msg("Startup sign-in failed")
			}
		}()
	}

	zlog.Info().Msg("Marketscope service started")
	return nil
}

func (app *MarketScopeApp) run() error {
	if err := app.start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	zlog.Info().Msg("Shutdown signal received")

	return app.stop()
}

func (app *MarketScopeApp) stop() error {
	zlog.Info().Msg("Stopping marketscope service")

	if app.cancel != nil {
		app.cancel()
	}

	if app.eventChan != nil {
		close(app.eventChan)
	}

	if app.webServer != nil {
		if err := app.webServer.stop(); err != nil {
			zlog.Debug().Err(err).Msg("Web server stop completed with timeout - this is normal during shutdown")
		}
	}

	if app.store != nil {
		if err := app.store.close(); err != nil {
			zlog.Error().Err(err).Msg("Error closing database")
		}
	}

	zlog.Info().Msg("Marketscope service stopped")
	return nil
}

// =============================================================================
// MAIN ENTRY POINT
// =============================================================================

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	logLevel := flag.String("l", "", "log level (trace, debug, info, warn, error, fatal, panic)")
	logLevelLong := flag.String("log-level", "", "log level (trace, debug, info, warn, error, fatal, panic)")
	showVersion := flag.Bool("version", false, "show version information")
	showHelp := flag.Bool("help", false, "show help information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("marketscope %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built: %s\n", date)
		fmt.Printf("  built by: %s\n", builtBy)
		return
	}

	if *showHelp {
		fmt.Println("marketscope - Browse prediction markets with a local watchlist")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Printf("  %s [options]\n", os.Args[0])
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Configuration:")
		fmt.Println("  Copy config.toml.sample to config.toml and edit as needed.")
		fmt.Println("  The application will create a SQLite database at the configured path.")
		fmt.Println()
		fmt.Printf("Version: %s (%s)\n", version, commit)
		return
	}

	var cliLogLevel string
	if *logLevel != "" {
		cliLogLevel = *logLevel
	} else if *logLevelLong != "" {
		cliLogLevel = *logLevelLong
	}

	if cliLogLevel != "" {
		validLevels := validLogLevels()
		valid := false
		for _, level := range validLevels {
			if strings.ToLower(cliLogLevel) == level {
				valid = true
				break
			}
		}
		if !valid {
			log.Fatalf("Invalid log level: %s. Valid levels: %s", cliLogLevel, strings.Join(validLevels, ", "))
		}
	}

	cfg := defaultConfig()
	if err := loadConfig(*configPath, &cfg); err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Failed to load config: %v", err)
		}
		zlog.Warn().Str("path", *configPath).Msg("Config file not found, using defaults")
	}

	logLevelToUse := cfg.Logging.Level
	if cliLogLevel != "" {
		logLevelToUse = cliLogLevel
	}
	setupLogging(logLevelToUse, cfg.Logging.Format)

	app, err := newMarketScopeApp(&cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if err := app.run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}
