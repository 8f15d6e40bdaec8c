package observability

import (
	"strings"
)

const (
	AttrRequestID      = "request.id"
	AttrQueryID        = "query.id"
	AttrDataSource     = "data.source"
	AttrCacheHit       = "cache.hit"
	AttrErrorCode      = "error.code"
	AttrHTTPMethod     = "http.request.method"
	AttrHTTPRoute      = "http.route"
	AttrHTTPStatusCode = "http.response.status_code"
)

// AttrQueryParamPrefix prefixes per-parameter span attributes; values go
// through RedactAttributeValue before they are attached.
const AttrQueryParamPrefix = "query.param."

var secretKeySubstrings = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"connection_string",
	"dsn",
	"binddn",
}

// RedactAttributeValue masks values for known-sensitive attribute keys.
func RedactAttributeValue(key string, value string) string {
	lower := strings.ToLower(key)
	for _, needle := range secretKeySubstrings {
		if strings.Contains(lower, needle) {
			return "[REDACTED]"
		}
	}
	return value
}
