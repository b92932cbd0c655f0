package route

import (
	"maps"
	"net"
	"slices"
	"strings"

	"github.com/ushineko/sniffd/internal/httpreq"
)

// RewriteRule edits request heads whose host and path match.
type RewriteRule struct {
	Host          string
	PathPrefix    string
	ReplacePrefix string
	SetHeaders    map[string]string
	DelHeaders    []string
	Method        httpreq.Method
}

func (r *RewriteRule) matches(req *httpreq.Request) bool {
	host := req.Host()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if r.Host != "" && !MatchHost(r.Host, host) {
		return false
	}
	return r.PathPrefix == "" || strings.HasPrefix(req.URI, r.PathPrefix)
}

func (r *RewriteRule) apply(req *httpreq.Request) {
	if r.PathPrefix != "" && r.ReplacePrefix != "" {
		req.URI = r.ReplacePrefix + strings.TrimPrefix(req.URI, r.PathPrefix)
	}
	if r.Method != "" {
		req.Method = r.Method
	}
	for _, k := range r.DelHeaders {
		req.Header.DelFold(k)
	}
	for _, k := range slices.Sorted(maps.Keys(r.SetHeaders)) {
		req.Header.DelFold(k)
		req.Header.Set(k, r.SetHeaders[k])
	}
}

// Rewriter returns a RewriteFunc applying every matching rule in order, or
// nil when there are no rules.
func Rewriter(rules []RewriteRule) httpreq.RewriteFunc {
	if len(rules) == 0 {
		return nil
	}
	return func(req *httpreq.Request) *httpreq.Request {
		for i := range rules {
			if rules[i].matches(req) {
				rules[i].apply(req)
			}
		}
		return req
	}
}
