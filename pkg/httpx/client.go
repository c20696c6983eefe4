package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Response is a fully-read upstream reply.
type Response struct {
	StatusCode  int
	StatusText  string
	ContentType string
	Body        []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Do performs a single HTTP request and reads the whole reply. It never
// retries: a transport or read failure is returned as err, any status code is
// returned as a Response.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Response{}, err
	}
	for k, v := range headers {
		if v == "" {
			continue
		}
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read upstream body: %w", err)
	}
	return Response{
		StatusCode:  resp.StatusCode,
		StatusText:  StatusText(resp),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// StatusText returns the reason phrase the upstream sent, e.g. "Not Found".
func StatusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	if text == "" {
		return http.StatusText(resp.StatusCode)
	}
	return text
}
