package pagination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/autopage-proxy/pkg/auth"
	"github.com/Sternrassler/autopage-proxy/pkg/cache"
	"github.com/Sternrassler/autopage-proxy/pkg/client"
	"github.com/Sternrassler/autopage-proxy/pkg/jsonvalue"
	"github.com/Sternrassler/autopage-proxy/pkg/logging"
	"github.com/rs/zerolog"
)

// TokenSource resolves a bearer token for an API key.
type TokenSource interface {
	GetToken(ctx context.Context, apiKey string, creds auth.Credentials) (string, error)
}

// DocumentCache stores merged documents. *cache.Manager implements it.
type DocumentCache interface {
	Get(ctx context.Context, key cache.CacheKey) (*cache.CacheEntry, error)
	Set(ctx context.Context, key cache.CacheKey, entry *cache.CacheEntry) error
}

// Deps are the collaborators of an Aggregator. Cache and Logger are optional.
type Deps struct {
	Tokens    TokenSource
	Forwarder client.Forwarder
	Cache     DocumentCache
	Logger    *zerolog.Logger
}

// Aggregator handles inbound requests, walking upstream pages for eligible
// ones. It is safe for concurrent use; all per-request state lives on the
// stack of HandleRequest.
type Aggregator struct {
	cfg       Config
	tokens    TokenSource
	forwarder client.Forwarder
	cache     DocumentCache
	logger    zerolog.Logger
}

// New creates an Aggregator.
func New(cfg Config, deps Deps) (*Aggregator, error) {
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if deps.Forwarder == nil {
		return nil, fmt.Errorf("forwarder is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("upstream url is required")
	}
	if cfg.MaxPages < 0 {
		return nil, fmt.Errorf("max pages must not be negative (got %d)", cfg.MaxPages)
	}
	if cfg.MaxPages == 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	logger := logging.NewLogger("aggregator")
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	return &Aggregator{
		cfg:       cfg,
		tokens:    deps.Tokens,
		forwarder: deps.Forwarder,
		cache:     deps.Cache,
		logger:    logger,
	}, nil
}

// HandleRequest serves one inbound request.
//
// The response is written only on success. A returned error means nothing
// has been written to w; ServeHTTP maps it to a status code.
func (a *Aggregator) HandleRequest(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	apiKey := ResolveAPIKey(r, a.cfg.APIKey)

	logCtx := a.logger.With().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("key_hash", logging.KeyHash(apiKey))
	if id := r.Header.Get("X-Request-ID"); id != "" {
		logCtx = logCtx.Str("request_id", id)
	}
	logger := logCtx.Logger()

	if _, err := a.tokens.GetToken(ctx, apiKey, a.cfg.Credentials()); err != nil {
		requestsTotal.WithLabelValues(modeFailed).Inc()
		return err
	}

	body, err := readBody(r, a.cfg.MaxBodyBytes)
	if err != nil {
		requestsTotal.WithLabelValues(modeFailed).Inc()
		return err
	}

	req := &client.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	}

	if !PagingEligible(a.cfg, r) {
		resp, err := a.forwarder.Forward(ctx, req, a.BuildOptions(apiKey, 0))
		if err != nil {
			requestsTotal.WithLabelValues(modeFailed).Inc()
			return &ProxyRequestError{Page: 0, Err: err}
		}
		a.dropRejectedToken(apiKey, resp.StatusCode, logger)
		requestsTotal.WithLabelValues(modePassThrough).Inc()
		logger.Debug().Int("status", resp.StatusCode).Msg("Passed request through")
		writeResponse(w, resp.StatusCode, resp.Header, resp.Body, false, logger)
		return nil
	}

	if err := a.page(ctx, w, req, apiKey, logger); err != nil {
		requestsTotal.WithLabelValues(modeFailed).Inc()
		return err
	}
	return nil
}

// page runs the paging loop for an eligible request.
func (a *Aggregator) page(ctx context.Context, w http.ResponseWriter, req *client.Request, apiKey string, logger zerolog.Logger) error {
	start := time.Now()

	var key cache.CacheKey
	cacheable := a.cache != nil && a.cfg.CacheTTL > 0
	if cacheable {
		key = cache.CacheKey{KeyDigest: cache.KeyDigest(apiKey), Path: req.Path, Query: req.Query}
		entry, err := a.cache.Get(ctx, key)
		switch {
		case err == nil:
			requestsTotal.WithLabelValues(modeCached).Inc()
			logger.Debug().Str("cache_key", key.String()).Msg("Serving merged document from cache")
			if err := entry.WriteResponse(w); err != nil {
				logger.Debug().Err(err).Msg("Failed to write cached response")
			}
			return nil
		case !errors.Is(err, cache.ErrCacheMiss):
			logger.Warn().Err(err).Msg("Cache lookup failed")
		}
	}

	merged := jsonvalue.NewObject()
	var last *client.Response
	currentPage := 0
	fetched := 0
	pagedResultSeen := false

	for {
		if fetched >= a.cfg.MaxPages {
			return &ProxyRequestError{Page: currentPage, Err: fmt.Errorf("%w (max %d)", ErrTooManyPages, a.cfg.MaxPages)}
		}

		resp, err := a.forwarder.Forward(ctx, req, a.BuildOptions(apiKey, currentPage))
		fetched++
		pagesFetched.Inc()
		if err != nil {
			return &ProxyRequestError{Page: currentPage, Err: err}
		}

		logger.Debug().
			Int("page", currentPage).
			Int("status", resp.StatusCode).
			Int("bytes", len(resp.Body)).
			Msg("Fetched page")

		if !successful(resp.StatusCode) {
			a.dropRejectedToken(apiKey, resp.StatusCode, logger)
			if fetched == 1 {
				// The upstream's own error for the request; hand it back as is.
				requestsTotal.WithLabelValues(modeNonPaginated).Inc()
				writeResponse(w, resp.StatusCode, resp.Header, resp.Body, false, logger)
				return nil
			}
			return &ProxyRequestError{Page: currentPage, StatusCode: resp.StatusCode}
		}

		doc, err := jsonvalue.Parse(resp.Body)
		if err != nil {
			return &ProxyRequestError{Page: currentPage, Err: fmt.Errorf("parse page body: %w", err)}
		}

		if doc.IsArray() {
			requestsTotal.WithLabelValues(modeBareArray).Inc()
			writeResponse(w, resp.StatusCode, resp.Header, resp.Body, false, logger)
			return nil
		}

		pageNumber, paginated, err := pageNumberOf(doc, currentPage)
		if err != nil {
			return err
		}
		if !paginated {
			requestsTotal.WithLabelValues(modeNonPaginated).Inc()
			writeResponse(w, resp.StatusCode, resp.Header, resp.Body, false, logger)
			return nil
		}

		currentPage = pageNumber
		hasMore := hasMorePages(doc)

		if err := jsonvalue.Merge(merged, doc); err != nil {
			return &UpstreamFormatError{Page: currentPage, Field: "body", Err: err}
		}
		last = resp

		if !hasMore {
			break
		}
		pagedResultSeen = true
		currentPage++
	}

	if pagedResultSeen {
		if err := postProcess(merged, currentPage); err != nil {
			return err
		}
	}

	out, err := merged.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode merged document: %w", err)
	}

	pagesPerRequest.Observe(float64(fetched))
	requestsTotal.WithLabelValues(modeMerged).Inc()
	logger.Info().
		Int("pages", fetched).
		Int("bytes", len(out)).
		Dur("duration", time.Since(start)).
		Msg("Paged request completed")

	header := writeResponse(w, last.StatusCode, last.Header, out, true, logger)

	if cacheable && pagedResultSeen {
		entry := cache.EntryFromDocument(last.StatusCode, header, out, a.cfg.CacheTTL)
		if err := a.cache.Set(ctx, key, entry); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache merged document")
		}
	}
	return nil
}

// dropRejectedToken evicts the cached token of apiKey after a 401 so the next
// request exchanges a new one. It needs a TokenSource with Invalidate, such
// as *auth.TokenCache.
func (a *Aggregator) dropRejectedToken(apiKey string, status int, logger zerolog.Logger) {
	if status != http.StatusUnauthorized {
		return
	}
	inv, ok := a.tokens.(interface{ Invalidate(apiKey string) })
	if !ok {
		return
	}
	inv.Invalidate(apiKey)
	logger.Info().Msg("Upstream rejected the bearer token - cached token dropped")
}

// pageNumberOf reads meta.pageNumber. A missing, null or blank value marks
// the document as not paginated.
func pageNumberOf(doc *jsonvalue.Value, page int) (int, bool, error) {
	v, ok := doc.Lookup("meta", "pageNumber")
	if !ok || v.IsNull() {
		return 0, false, nil
	}

	text, ok := v.Text()
	if !ok {
		return 0, false, &UpstreamFormatError{
			Page:  page,
			Field: "meta.pageNumber",
			Value: v.Kind().String(),
			Err:   errors.New("not a scalar"),
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false, nil
	}

	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, false, &UpstreamFormatError{Page: page, Field: "meta.pageNumber", Value: text, Err: err}
	}
	if n < 0 {
		return 0, false, &UpstreamFormatError{Page: page, Field: "meta.pageNumber", Value: text, Err: errors.New("negative page number")}
	}
	return n, true, nil
}

// hasMorePages is false only when meta.resultCount reads "0".
func hasMorePages(doc *jsonvalue.Value) bool {
	v, ok := doc.Lookup("meta", "resultCount")
	if !ok {
		return true
	}
	text, ok := v.Text()
	if !ok {
		return true
	}
	return !strings.EqualFold(text, "0")
}

// postProcess rewrites the meta block of a merged multi-page document.
func postProcess(merged *jsonvalue.Value, lastPage int) error {
	meta, ok := merged.Get("meta")
	if !ok || !meta.IsObject() {
		return nil
	}

	if meta.Delete("pageNumber") {
		meta.Set("pageCount", jsonvalue.NewInt(lastPage))
	}
	meta.Delete("pageSize")

	count, ok := meta.Get("resultCount")
	if !ok || count.IsNull() {
		return nil
	}
	results, ok := merged.Get("results")
	if !ok || !results.IsArray() {
		return &UpstreamFormatError{Page: lastPage, Field: "results", Err: errors.New("not an array")}
	}
	meta.Set("resultCount", jsonvalue.NewInt(results.Len()))
	return nil
}

func successful(status int) bool {
	return status >= 200 && status < 300
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w (limit %d bytes)", ErrRequestTooLarge, limit)
	}
	return body, nil
}
