// File: app/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package app

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/momentics/hioload-uws/router"
)

// HttpRequest is a view of the request being routed. It is only valid while
// the handler runs; copy anything needed later.
type HttpRequest struct {
	req    *http.Request
	params router.Params
	yield  bool
	query  url.Values
}

func (r *HttpRequest) invalidate() {
	r.req = nil
	r.params = router.Params{}
	r.query = nil
}

// Method returns the lower case method.
func (r *HttpRequest) Method() string {
	if r.req == nil {
		return ""
	}
	return strings.ToLower(r.req.Method)
}

// CaseSensitiveMethod returns the method as sent.
func (r *HttpRequest) CaseSensitiveMethod() string {
	if r.req == nil {
		return ""
	}
	return r.req.Method
}

// URL returns the request path without the query string.
func (r *HttpRequest) URL() string {
	if r.req == nil {
		return ""
	}
	return requestPath(r.req)
}

// FullURL returns the request target including the query string.
func (r *HttpRequest) FullURL() string {
	if r.req == nil {
		return ""
	}
	return r.req.RequestURI
}

// Header returns the first value of the header named by lowerName.
func (r *HttpRequest) Header(lowerName string) string {
	if r.req == nil {
		return ""
	}
	if lowerName == "host" {
		return r.req.Host
	}
	return r.req.Header.Get(lowerName)
}

// ForEachHeader calls fn for every header with a lower case name, sorted by
// name.
func (r *HttpRequest) ForEachHeader(fn func(name, value string)) {
	if r.req == nil {
		return
	}
	if r.req.Host != "" {
		fn("host", r.req.Host)
	}
	names := make([]string, 0, len(r.req.Header))
	for k := range r.req.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		lower := strings.ToLower(k)
		for _, v := range r.req.Header[k] {
			fn(lower, v)
		}
	}
}

// Query returns the decoded value of key from the query string.
func (r *HttpRequest) Query(key string) string {
	if r.req == nil {
		return ""
	}
	if r.query == nil {
		r.query, _ = url.ParseQuery(r.req.URL.RawQuery)
	}
	return r.query.Get(key)
}

// QueryRaw returns the undecoded query string.
func (r *HttpRequest) QueryRaw() string {
	if r.req == nil {
		return ""
	}
	return r.req.URL.RawQuery
}

// Parameter returns route parameter i.
func (r *HttpRequest) Parameter(i int) string { return r.params.Get(i) }

// ParameterByName returns the route parameter declared as ":name".
func (r *HttpRequest) ParameterByName(name string) string {
	v, _ := r.params.ByName(name)
	return v
}

// IsAncient reports an HTTP/1.0 request.
func (r *HttpRequest) IsAncient() bool {
	return r.req != nil && !r.req.ProtoAtLeast(1, 1)
}

// SetYield marks the request as not handled, so routing continues with the
// next matching handler.
func (r *HttpRequest) SetYield(v bool) { r.yield = v }

// Yield reports the flag set with SetYield.
func (r *HttpRequest) Yield() bool { return r.yield }

func requestPath(req *http.Request) string {
	uri := req.RequestURI
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	if !strings.HasPrefix(uri, "/") {
		// Absolute form or "*".
		if p := req.URL.EscapedPath(); p != "" {
			return p
		}
		return "/"
	}
	return uri
}
