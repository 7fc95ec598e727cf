package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultHTTPTimeout bounds each outbound REST call.
const DefaultHTTPTimeout = 15 * time.Second

// maxResponseBytes caps the body read from a REST API.
const maxResponseBytes = 1 << 20

var defaultHTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}

// getJSON performs a GET and returns the parsed body. Non-2xx responses
// become ExternalServiceError with the status code.
func getJSON(ctx context.Context, client *http.Client, service, endpoint string, query url.Values, header http.Header) (gjson.Result, error) {
	if client == nil {
		client = defaultHTTPClient
	}
	u := endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gjson.Result{}, &ExternalServiceError{Service: service, Err: err}
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, &ExternalServiceError{Service: service, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, &ExternalServiceError{Service: service, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "errorMessage").String()
		}
		return gjson.Result{}, &ExternalServiceError{Service: service, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", msg)}
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &ExternalServiceError{Service: service, Err: fmt.Errorf("invalid JSON response")}
	}
	return gjson.ParseBytes(body), nil
}
