package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
)

func (f *apiFixture) postWebhook(t *testing.T, provider, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+provider+"/"+token, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)
	return w
}

func webhookBody(t *testing.T, eventType, resourceID string, ts time.Time) []byte {
	t.Helper()
	raw, err := json.Marshal(gin.H{
		"eventType":  eventType,
		"resourceId": resourceID,
		"timestamp":  ts.UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	return raw
}

func TestWebhookTokenRoundTrip(t *testing.T) {
	token, err := MintWebhookToken(testWebhookSecret, "t1", model.ProviderBrickLink)
	require.NoError(t, err)

	tenantID, err := parseWebhookToken(testWebhookSecret, token, model.ProviderBrickLink)
	require.NoError(t, err)
	assert.Equal(t, "t1", tenantID)

	// Wrong provider and wrong secret both fail closed.
	_, err = parseWebhookToken(testWebhookSecret, token, model.ProviderBrickOwl)
	require.ErrorIs(t, err, model.ErrAuth)
	_, err = parseWebhookToken("other-secret", token, model.ProviderBrickLink)
	require.ErrorIs(t, err, model.ErrAuth)
}

func TestWebhookAcceptsAndEnqueuesRefresh(t *testing.T) {
	f := newAPIFixture(t)
	token, err := MintWebhookToken(testWebhookSecret, "t1", model.ProviderBrickLink)
	require.NoError(t, err)

	w := f.postWebhook(t, "bricklink", token, webhookBody(t, "part_updated", "3001", time.Now()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "accepted")

	require.NoError(t, f.st.WithTx(context.Background(), func(tx store.Tx) error {
		msg, err := tx.CatalogOutbox().FindActive(model.TablePart, "3001", "")
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, model.PriorityHigh, msg.Priority)
		return nil
	}))
}

func TestWebhookDuplicateDeliveryAcked(t *testing.T) {
	f := newAPIFixture(t)
	token, err := MintWebhookToken(testWebhookSecret, "t1", model.ProviderBrickLink)
	require.NoError(t, err)

	body := webhookBody(t, "color_updated", "5", time.Now())
	w := f.postWebhook(t, "bricklink", token, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "accepted")

	w = f.postWebhook(t, "bricklink", token, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")
}

func TestWebhookBadTokenReturns400(t *testing.T) {
	f := newAPIFixture(t)
	w := f.postWebhook(t, "bricklink", "not-a-jwt", webhookBody(t, "part_updated", "3001", time.Now()))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookUnknownProviderReturns404(t *testing.T) {
	f := newAPIFixture(t)
	token, err := MintWebhookToken(testWebhookSecret, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	w := f.postWebhook(t, "ebay", token, webhookBody(t, "part_updated", "3001", time.Now()))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookOversizedPayloadReturns413(t *testing.T) {
	f := newAPIFixture(t)
	token, err := MintWebhookToken(testWebhookSecret, "t1", model.ProviderBrickLink)
	require.NoError(t, err)

	big := bytes.Repeat([]byte("x"), 2048)
	w := f.postWebhook(t, "bricklink", token, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestWebhookUnparseableBodyAcked(t *testing.T) {
	f := newAPIFixture(t)
	token, err := MintWebhookToken(testWebhookSecret, "t1", model.ProviderBrickLink)
	require.NoError(t, err)

	w := f.postWebhook(t, "bricklink", token, []byte("not json"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestWebhookStaleEventAcked(t *testing.T) {
	f := newAPIFixture(t)
	token, err := MintWebhookToken(testWebhookSecret, "t1", model.ProviderBrickLink)
	require.NoError(t, err)

	w := f.postWebhook(t, "bricklink", token, webhookBody(t, "part_updated", "3001", time.Now().Add(-2*time.Hour)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")

	// Nothing was scheduled.
	require.NoError(t, f.st.WithTx(context.Background(), func(tx store.Tx) error {
		msg, err := tx.CatalogOutbox().FindActive(model.TablePart, "3001", "")
		require.NoError(t, err)
		assert.Nil(t, msg)
		return nil
	}))
}

func TestWebhookActivityEventRefreshesPriceGuide(t *testing.T) {
	f := newAPIFixture(t)
	token, err := MintWebhookToken(testWebhookSecret, "t1", model.ProviderBrickLink)
	require.NoError(t, err)

	// Event types outside the *_updated catalog kinds still hint that the
	// resource's market price moved.
	w := f.postWebhook(t, "bricklink", token, webhookBody(t, "store_renamed", "x", time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "accepted")

	require.NoError(t, f.st.WithTx(context.Background(), func(tx store.Tx) error {
		msg, err := tx.CatalogOutbox().FindActive(model.TablePriceGuide, "x", "")
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, model.PriorityHigh, msg.Priority)
		return nil
	}))
}

func TestWebhookOrderReplayCreatesOneRefresh(t *testing.T) {
	f := newAPIFixture(t)
	token, err := MintWebhookToken(testWebhookSecret, "t1", model.ProviderBrickLink)
	require.NoError(t, err)

	// Numeric resource IDs on the wire are accepted as-is.
	raw := []byte(`{"eventType":"Order","resourceId":12345,"timestamp":"` +
		time.Now().UTC().Format(time.RFC3339) + `"}`)

	for i := 0; i < 3; i++ {
		w := f.postWebhook(t, "bricklink", token, raw)
		require.Equal(t, http.StatusOK, w.Code, "delivery %d", i)
		if i == 0 {
			assert.Contains(t, w.Body.String(), "accepted")
		} else {
			assert.Contains(t, w.Body.String(), "duplicate")
		}
	}

	require.NoError(t, f.st.WithTx(context.Background(), func(tx store.Tx) error {
		msg, err := tx.CatalogOutbox().FindActive(model.TablePriceGuide, "12345", "")
		require.NoError(t, err)
		require.NotNil(t, msg)
		return nil
	}))
}

func TestWebhookIntegerTimestampIgnored(t *testing.T) {
	f := newAPIFixture(t)
	token, err := MintWebhookToken(testWebhookSecret, "t1", model.ProviderBrickLink)
	require.NoError(t, err)

	raw := []byte(`{"eventType":"part_updated","resourceId":"3001","timestamp":1700000000}`)
	w := f.postWebhook(t, "bricklink", token, raw)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}
