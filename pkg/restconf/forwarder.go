// Package restconf forwards gated requests to the controller's RESTCONF API.
package restconf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sdngate/pkg/httpx"
	"sdngate/pkg/identity"
)

const (
	// YangAccept is sent instead of the caller's Accept for RESTCONF targets.
	YangAccept = "application/yang-data+json, application/json;q=0.9, */*;q=0.1"

	UpstreamName = "opendaylight"
)

var yangMarker = regexp.MustCompile(`(?i)/restconf/`)

// RewritePath maps an inbound request URI onto the upstream-relative path.
// "/api/proxy" is first folded onto "/proxy", which is then stripped; both
// replacements are anchored and applied once.
func RewritePath(requestURI string) string {
	p := requestURI
	if strings.HasPrefix(p, "/api/proxy") {
		p = "/proxy" + strings.TrimPrefix(p, "/api/proxy")
	}
	return strings.TrimPrefix(p, "/proxy")
}

// IsYangPath reports whether s carries the "/restconf/" marker.
func IsYangPath(s string) bool {
	return yangMarker.MatchString(s)
}

// TargetURL concatenates base and the rewritten path, appending "/" to
// RESTCONF paths with an empty query that do not already end in one. A bare
// "?" counts as an empty query, so ".../x?" becomes ".../x?/".
func TargetURL(base, requestURI string) string {
	target := base + RewritePath(requestURI)
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	if IsYangPath(u.EscapedPath()) && u.RawQuery == "" && !strings.HasSuffix(u.EscapedPath(), "/") {
		target += "/"
	}
	return target
}

// IsJSON reports whether contentType names a JSON body.
func IsJSON(contentType string) bool {
	return strings.Contains(contentType, "application/json") || strings.Contains(contentType, "yang-data+json")
}

// Forwarder relays requests to Base. It never retries.
type Forwarder struct {
	Base         string
	HTTPClient   *http.Client
	Timeout      time.Duration
	MaxBodyBytes int64
	Log          logrus.FieldLogger
	// OnResponse, when set, sees every upstream status; 0 means the call
	// never got a response.
	OnResponse func(status int)
}

func New(base string, client *http.Client, timeout time.Duration, log logrus.FieldLogger) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Forwarder{
		Base:       base,
		HTTPClient: client,
		Timeout:    timeout,
		Log:        log,
	}
}

func (f *Forwarder) headers(r *http.Request, target string) map[string]string {
	accept := r.Header.Get("Accept")
	if accept == "" {
		accept = "application/json"
	}
	if IsYangPath(target) {
		accept = YangAccept
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return map[string]string{
		"Accept":        accept,
		"Content-Type":  contentType,
		"Authorization": r.Header.Get("Authorization"),
	}
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := identity.RequestID(r.Context())
	target := TargetURL(f.Base, r.URL.RequestURI())

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		reader := io.Reader(r.Body)
		if f.MaxBodyBytes > 0 {
			reader = http.MaxBytesReader(w, r.Body, f.MaxBodyBytes)
		}
		b, err := io.ReadAll(reader)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpx.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{
					"error":   "payload_too_large",
					"message": err.Error(),
					"ts":      httpx.Now(),
					"reqId":   reqID,
				})
				return
			}
			f.badGateway(w, reqID, err)
			return
		}
		body = b
	}

	ctx := r.Context()
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	resp, err := httpx.Do(ctx, f.HTTPClient, r.Method, target, body, f.headers(r, target))
	f.observe(resp.StatusCode)
	if err != nil {
		f.Log.WithFields(logrus.Fields{"req_id": reqID, "method": r.Method, "url": target}).WithError(err).Warn("upstream unreachable")
		f.badGateway(w, reqID, err)
		return
	}

	if !resp.OK() {
		httpx.WriteJSON(w, resp.StatusCode, map[string]interface{}{
			"error":       "upstream_error",
			"upstream":    UpstreamName,
			"status":      resp.StatusCode,
			"statusText":  resp.StatusText,
			"contentType": resp.ContentType,
			"url":         target,
			"body":        errorBody(resp),
		})
		f.Log.WithFields(logrus.Fields{
			"req_id":     reqID,
			"method":     r.Method,
			"url":        target,
			"status":     resp.StatusCode,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}).Warn("upstream error")
		return
	}

	out := resp.Body
	if IsJSON(resp.ContentType) && len(bytes.TrimSpace(resp.Body)) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, resp.Body); err != nil {
			f.badGateway(w, reqID, err)
			return
		}
		out = buf.Bytes()
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(out)
	}
}

func (f *Forwarder) observe(status int) {
	if f.OnResponse != nil {
		f.OnResponse(status)
	}
}

func (f *Forwarder) badGateway(w http.ResponseWriter, reqID string, err error) {
	httpx.WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
		"error":   "bad_gateway",
		"message": err.Error(),
		"ts":      httpx.Now(),
		"reqId":   reqID,
	})
}

// errorBody decodes a non-2xx upstream body. Unparseable JSON becomes {}.
func errorBody(resp httpx.Response) interface{} {
	if !IsJSON(resp.ContentType) {
		return string(resp.Body)
	}
	var v interface{}
	if err := json.Unmarshal(resp.Body, &v); err != nil {
		return map[string]interface{}{}
	}
	return v
}
