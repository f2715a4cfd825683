package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignature(t *testing.T) {
	body := []byte(`{"event_type":"transaction.confirmed"}`)
	secret := "super-secret"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	require.Equal(t, expected, Signature(body, secret))
	require.NotEqual(t, Signature(body, "other-secret"), Signature(body, secret))
	require.NotEqual(t, Signature([]byte("tampered"), secret), Signature(body, secret))
}

func TestSenderDeliversWithHeaders(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	secret := "shared"

	var gotSignature, gotDelivery, gotEvent, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Relay-Signature")
		gotDelivery = r.Header.Get("X-Relay-Delivery")
		gotEvent = r.Header.Get("X-Relay-Event")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewSender()
	err := sender.Send(context.Background(), server.URL, secret, "delivery-1", "transaction.mined", body)
	require.NoError(t, err)

	require.Equal(t, Signature(body, secret), gotSignature)
	require.Equal(t, "delivery-1", gotDelivery)
	require.Equal(t, "transaction.mined", gotEvent)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, body, gotBody)
}

func TestSenderNon2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := NewSender()
	err := sender.Send(context.Background(), server.URL, "s", "d", "e", []byte("{}"))
	require.Error(t, err)
}

func TestSenderUnreachableEndpoint(t *testing.T) {
	sender := NewSender()
	err := sender.Send(context.Background(), "http://127.0.0.1:1", "s", "d", "e", []byte("{}"))
	require.Error(t, err)
}

func TestRetryDelayBackoff(t *testing.T) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := retryDelay(attempt)
		require.Greater(t, delay, initialRetryDelay/4, "attempt %d delay too small", attempt)
		require.LessOrEqual(t, delay, maxRetryDelay+maxRetryDelay/2, "attempt %d delay over cap", attempt)
	}
}
