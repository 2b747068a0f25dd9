package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/getlantern/authflow/app"
	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/traces"
)

const (
	appNameHeader  = "X-Authflow-App"
	versionHeader  = "X-Authflow-Version"
	platformHeader = "X-Authflow-Platform"
	deviceIDHeader = "X-Authflow-Device-Id"

	maxErrorBody = 4 << 10
)

type webClient struct {
	client   *retryablehttp.Client
	baseURL  string
	deviceID string
}

func newWebClient(httpClient *http.Client, baseURL, deviceID string, retryMax int, timeout time.Duration) *webClient {
	rc := retryablehttp.NewClient()
	if httpClient != nil {
		hc := *httpClient
		rc.HTTPClient = &hc
	}
	rc.HTTPClient.Transport = traces.NewRoundTripper(rc.HTTPClient.Transport)
	if timeout > 0 {
		rc.HTTPClient.Timeout = timeout
	}
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = slog.Default()
	rc.CheckRetry = retryOnTransportError
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &webClient{
		client:   rc,
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
	}
}

// retryOnTransportError retries requests that never got a response. A response of any status is
// final: authorization codes are single use and must not be replayed.
func retryOnTransportError(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// postJSON sends body as JSON and decodes a 200 response into result. Other statuses are returned
// as *StatusError.
func (wc *webClient) postJSON(ctx context.Context, path, bearer string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, wc.baseURL+path, data)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(appNameHeader, app.Name)
	req.Header.Set(versionHeader, app.Version)
	req.Header.Set(platformHeader, common.Platform)
	if wc.deviceID != "" {
		req.Header.Set(deviceIDHeader, wc.deviceID)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return common.WrapError(common.NetworkError, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if result == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return common.WrapError(common.NetworkError, "read response", err)
	}
	if err := json.Unmarshal(sanitizeResponseBody(raw), result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is a non-200 response from the backend.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Message)
}

// errorMessage extracts a message from an error body of the form {"error": "..."} or
// {"message": "..."}, falling back to the trimmed body.
func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

// sanitizeResponseBody drops a UTF-8 byte order mark, which some proxies prepend.
func sanitizeResponseBody(raw []byte) []byte {
	return bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
}
