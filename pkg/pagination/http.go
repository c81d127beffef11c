package pagination

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Sternrassler/autopage-proxy/pkg/auth"
	"github.com/Sternrassler/autopage-proxy/pkg/client"
	"github.com/Sternrassler/autopage-proxy/pkg/clientcache"
	"github.com/Sternrassler/autopage-proxy/pkg/jsonvalue"
	"github.com/rs/zerolog"
)

// ServeHTTP implements http.Handler on top of HandleRequest.
func (a *Aggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := a.HandleRequest(w, r)
	if err == nil {
		return
	}

	status, page, hasPage := StatusFor(err)
	event := a.logger.Error()
	if status < http.StatusInternalServerError {
		event = a.logger.Warn()
	}
	event.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")

	writeError(w, status, err, page, hasPage)
}

// StatusFor maps a HandleRequest error to the status returned to the caller
// and, for page failures, the failing page.
func StatusFor(err error) (status, page int, hasPage bool) {
	var authErr *auth.AuthenticationError
	var initErr *clientcache.InitError
	var proxyErr *ProxyRequestError
	var formatErr *UpstreamFormatError

	switch {
	case errors.As(err, &authErr):
		return http.StatusBadGateway, 0, false
	case errors.As(err, &initErr):
		return http.StatusInternalServerError, 0, false
	case errors.Is(err, client.ErrOperationExcluded):
		return http.StatusMethodNotAllowed, 0, false
	case errors.Is(err, ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge, 0, false
	case errors.As(err, &proxyErr):
		return http.StatusBadGateway, proxyErr.Page, true
	case errors.As(err, &formatErr):
		return http.StatusBadGateway, formatErr.Page, true
	default:
		return http.StatusBadGateway, 0, false
	}
}

func writeError(w http.ResponseWriter, status int, err error, page int, hasPage bool) {
	doc := jsonvalue.NewObject()
	doc.Set("error", jsonvalue.NewString(err.Error()))
	if hasPage {
		doc.Set("page", jsonvalue.NewInt(page))
	}
	body, encErr := doc.MarshalJSON()
	if encErr != nil {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Response headers that are never copied from an upstream page.
var strippedHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Content-Encoding",
}

// writeResponse emits body with the upstream headers of src and returns the
// headers that were written. Merged documents are re-labelled as JSON.
func writeResponse(w http.ResponseWriter, status int, src http.Header, body []byte, merged bool, logger zerolog.Logger) http.Header {
	header := src.Clone()
	if header == nil {
		header = http.Header{}
	}
	for _, name := range strippedHeaders {
		header.Del(name)
	}
	if merged {
		header.Set("Content-Type", "application/json")
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))

	for key, values := range header {
		w.Header()[key] = append([]string(nil), values...)
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logger.Debug().Err(err).Msg("Failed to write response")
	}
	return header
}
