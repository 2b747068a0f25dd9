package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/authflow/common"
	"github.com/getlantern/authflow/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	cfg := config.APIConfig{BaseURL: srv.URL, Timeout: 5 * time.Second, RetryMax: 2}
	return NewClient(cfg, "device-1", srv.Client()), &calls
}

func TestExchangeCalendarCode(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, calendarExchangePath, r.URL.Path)
		assert.Equal(t, "Bearer id-token", r.Header.Get("Authorization"))
		assert.Equal(t, "device-1", r.Header.Get(deviceIDHeader))
		var req exchangeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "abc", req.Code)
		assert.Equal(t, "http://127.0.0.1/oauth/callback", req.RedirectURI)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("\xef\xbb\xbf" + `{"accessToken":"cal-token","expiresIn":3600,"scope":"calendar"}`))
	})

	grant, err := client.ExchangeCalendarCode(t.Context(), "id-token", "abc", "http://127.0.0.1/oauth/callback")
	require.NoError(t, err)
	assert.Equal(t, "cal-token", grant.AccessToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), grant.Expiry(), time.Minute)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExchangeCalendarCodeErrors(t *testing.T) {
	t.Run("missing code", func(t *testing.T) {
		client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
		_, err := client.ExchangeCalendarCode(t.Context(), "id-token", "", "")
		require.Error(t, err)
		assert.Equal(t, common.CalendarExchangeError, common.KindOf(err))
		assert.Zero(t, calls.Load())
	})

	t.Run("rejected code is not retried", func(t *testing.T) {
		client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":"invalid_grant"}`))
		})
		_, err := client.ExchangeCalendarCode(t.Context(), "id-token", "abc", "")
		require.Error(t, err)
		assert.Equal(t, common.CalendarExchangeError, common.KindOf(err))
		assert.Contains(t, common.UserMessage(err), "invalid_grant")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("empty grant", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		})
		_, err := client.ExchangeCalendarCode(t.Context(), "id-token", "abc", "")
		assert.Equal(t, common.CalendarExchangeError, common.KindOf(err))
	})

	t.Run("unreachable backend", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		client := NewClient(config.APIConfig{BaseURL: srv.URL, RetryMax: 0}, "", nil)
		_, err := client.ExchangeCalendarCode(t.Context(), "id-token", "abc", "")
		require.Error(t, err)
		assert.Equal(t, common.NetworkError, common.KindOf(err))
	})
}
