package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/nova-driver/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(srv.URL, srv.Client(), NewStaticToken(token), time.Minute, logger)
}

func TestCheckLocation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/drivers/location/check", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]float64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 59.91, body["lat"])
		_, _ = w.Write([]byte(`{"in_charger_radius":false,"distance_m":300,"nearest_charger_id":"ch-1"}`))
	}, "")

	res, err := c.CheckLocation(context.Background(), 59.91, 10.75)
	require.NoError(t, err)
	assert.False(t, res.InChargerRadius)
	assert.Equal(t, 300.0, res.DistanceM)
	assert.Equal(t, "ch-1", res.NearestChargerID)
}

func TestActivateExclusive_SendsBearerAndDecodes(t *testing.T) {
	expires := time.Date(2026, 10, 19, 12, 15, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req ActivateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m-1", req.MerchantID)
		assert.Equal(t, "ch-1", req.ChargerID)
		assert.Equal(t, "intent-9", req.IntentSessionID)
		_ = json.NewEncoder(w).Encode(ActivateResponse{ExclusiveSession: ExclusivePayload{ID: "ex-1", ExpiresAt: expires}})
	}, "tok")

	res, err := c.ActivateExclusive(context.Background(), ActivateRequest{
		MerchantID: "m-1", ChargerID: "ch-1", Lat: 1, Lng: 2, AccuracyM: 8, IntentSessionID: "intent-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "ex-1", res.ExclusiveSession.ID)
	assert.True(t, expires.Equal(res.ExclusiveSession.ExpiresAt))
}

func TestAuthenticatedCallWithoutTokenFailsBeforeIO(t *testing.T) {
	var hits int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}, "")

	_, err := c.ActivateExclusive(context.Background(), ActivateRequest{MerchantID: "m"})
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, ``, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, domain.ErrAuthRequired)
		}},
		{"forbidden keeps server message", http.StatusForbidden, `{"detail":"Exclusive already claimed today"}`, func(t *testing.T, err error) {
			var conflict *domain.ActivationConflictError
			require.True(t, errors.As(err, &conflict))
			assert.Equal(t, "Exclusive already claimed today", conflict.Message)
			assert.Equal(t, "Exclusive already claimed today", domain.UserMessage(err))
		}},
		{"server error is transient", http.StatusBadGateway, ``, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, domain.ErrNetworkFailure)
			var ne *domain.NetworkError
			require.True(t, errors.As(err, &ne))
			assert.Equal(t, http.StatusBadGateway, ne.StatusCode)
		}},
		{"garbage body", http.StatusOK, `{not json`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, domain.ErrNetworkFailure)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, "tok")
			_, err := c.ActivateExclusive(context.Background(), ActivateRequest{MerchantID: "m"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestTransportFailureIsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, nil, NewStaticToken("tok"), 0, logrus.New())
	_, err := c.GetChargingSessionStatus(context.Background())
	assert.ErrorIs(t, err, domain.ErrNetworkFailure)
}

func TestGetActiveExclusive_CacheAndInvalidate(t *testing.T) {
	var hits int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			_, _ = w.Write([]byte(`{"exclusive_session":{"id":"ex-1","expires_at":"2026-10-19T12:00:00Z"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"exclusive_session":null}`))
	}, "tok")
	ctx := context.Background()

	first, err := c.GetActiveExclusive(ctx)
	require.NoError(t, err)
	require.NotNil(t, first.ExclusiveSession)

	cached, err := c.GetActiveExclusive(ctx)
	require.NoError(t, err)
	assert.Same(t, first, cached)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	c.InvalidateActiveExclusive()
	fresh, err := c.GetActiveExclusive(ctx)
	require.NoError(t, err)
	assert.Nil(t, fresh.ExclusiveSession)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestGetActiveExclusive_InvalidateDuringInFlightRead(t *testing.T) {
	var hits int32
	entered := make(chan struct{})
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			close(entered)
			<-release
			_, _ = w.Write([]byte(`{"exclusive_session":{"id":"ex-1","expires_at":"2026-10-19T12:00:00Z"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"exclusive_session":null}`))
	}, "tok")
	ctx := context.Background()

	done := make(chan *ActiveExclusiveResponse, 1)
	go func() {
		res, err := c.GetActiveExclusive(ctx)
		assert.NoError(t, err)
		done <- res
	}()

	<-entered
	c.InvalidateActiveExclusive()
	close(release)
	old := <-done
	require.NotNil(t, old)
	require.NotNil(t, old.ExclusiveSession, "the in-flight caller still gets its answer")

	fresh, err := c.GetActiveExclusive(ctx)
	require.NoError(t, err)
	assert.Nil(t, fresh.ExclusiveSession)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits), "pre-invalidation result must not be served from cache")
}

func TestRedeemReward_SendsIdempotencyKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		var req RedeemRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 500, req.Amount)
		_, _ = w.Write([]byte(`{"transactionId":"tx-1","balanceAfter":1200}`))
	}, "tok")

	res, err := c.RedeemReward(context.Background(), "m-1", 500, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", res.TransactionID)
	assert.Equal(t, 1200, res.BalanceAfter)
}

func TestChargingStatusDecodesOptionalIncentive(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"isActive":false,"sessionId":"s-1","durationMinutes":42,"kwhDelivered":18.5,"lastIncentiveCents":250}`))
	}, "tok")

	st, err := c.GetChargingSessionStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, st.IsActive)
	require.NotNil(t, st.LastIncentiveCents)
	assert.Equal(t, 250, *st.LastIncentiveCents)
	assert.Equal(t, 18.5, st.KWhDelivered)
}
