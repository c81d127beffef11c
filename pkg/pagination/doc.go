// Package pagination turns a paginated upstream API into one that answers in
// a single document.
//
// The upstream wraps list results in an envelope whose meta block carries
// string-typed pagination fields:
//
//	{"meta":{"pageNumber":"0","pageSize":"50","resultCount":"50"},"results":[...]}
//
// For eligible requests (auto-paging enabled, GET, no explicit size) the
// Aggregator fetches pages sequentially, injecting page=N from the second
// fetch on, until a page reports resultCount "0". Pages are merged into one
// document: arrays concatenate, everything else is taken from the later page.
// The merged meta block loses pageNumber and pageSize, gains pageCount, and
// its resultCount is the length of the merged results.
//
// Pages are sequential because the next page number is only known once the
// previous page has returned.
//
// Example usage:
//
//	agg, err := pagination.New(cfg, pagination.Deps{
//		Tokens:    tokens,
//		Forwarder: forwarder,
//	})
//	if err != nil {
//		return err
//	}
//	http.Handle("/", agg)
//
// Bare arrays and envelopes without meta.pageNumber are returned unchanged.
// Nothing is written to the caller until the final document is known, so a
// failure on any page yields an error response and never a partial result.
package pagination
