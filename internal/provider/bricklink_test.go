package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1benisin/brickops-sub002/internal/model"
)

func staticCreds(token string) CredentialFunc {
	return func(context.Context, string) (string, error) { return token, nil }
}

func TestSignedDelta(t *testing.T) {
	assert.Equal(t, "+5", signedDelta(5))
	assert.Equal(t, "-3", signedDelta(-3))
	assert.Equal(t, "+0", signedDelta(0))
}

func TestBrickLinkCreateLot(t *testing.T) {
	var gotAuth, gotKey string
	var gotReq blLotRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/inventories", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"inventory_id": 4711},
		})
	}))
	defer srv.Close()

	price := 0.25
	a := NewBrickLink(srv.URL, 100, staticCreds("tok-1"), NewMemDedup())
	res, err := a.CreateLot(context.Background(), "t1", LotPayload{
		PartNumber: "3001",
		ColorID:    "5",
		Condition:  model.ConditionUsed,
		Quantity:   12,
		Price:      &price,
		Notes:      "shelf A",
	}, "k1")
	require.NoError(t, err)
	assert.Equal(t, "4711", res.ExternalLotID)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "k1", gotKey)
	assert.Equal(t, "3001", gotReq.Item.No)
	assert.Equal(t, "U", gotReq.Condition)
	assert.Equal(t, "0.2500", gotReq.UnitPrice)
	assert.Equal(t, int64(12), gotReq.Quantity)
}

func TestBrickLinkUpdateCarriesSignedDelta(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/inventories/4711", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewBrickLink(srv.URL, 100, staticCreds("tok"), NewMemDedup())
	require.NoError(t, a.UpdateLot(context.Background(), "t1", "4711", UpdateDelta{Delta: -3}, "k2"))
	assert.Equal(t, "-3", gotBody["quantity"])
}

func TestBrickLinkDedupSuppressesRepeatEffects(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewBrickLink(srv.URL, 100, staticCreds("tok"), NewMemDedup())
	for i := 0; i < 3; i++ {
		require.NoError(t, a.UpdateLot(context.Background(), "t1", "1", UpdateDelta{Delta: 2}, "same-key"))
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBrickLinkOutcomeClassification(t *testing.T) {
	cases := []struct {
		status  int
		outcome model.Outcome
	}{
		{http.StatusTooManyRequests, model.OutcomeRateLimited},
		{http.StatusInternalServerError, model.OutcomeTransient},
		{http.StatusUnprocessableEntity, model.OutcomePermanent},
		{http.StatusUnauthorized, model.OutcomePermanent},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		a := NewBrickLink(srv.URL, 100, staticCreds("tok"), NewMemDedup())
		err := a.UpdateLot(context.Background(), "t1", "1", UpdateDelta{Delta: 1}, "k-"+http.StatusText(tc.status))
		require.Error(t, err)
		assert.Equal(t, tc.outcome, model.Classify(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestBrickLinkDeleteToleratesMissingLot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewBrickLink(srv.URL, 100, staticCreds("tok"), NewMemDedup())
	require.NoError(t, a.DeleteLot(context.Background(), "t1", "gone", "k3"))
}

func TestBrickOwlMissingColorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no call should reach the marketplace")
	}))
	defer srv.Close()

	resolver := func(ctx context.Context, colorID string) (string, error) {
		return "", &model.AdapterError{Outcome: model.OutcomeMissingMapping, Detail: "no brickowl ID for " + colorID}
	}
	a := NewBrickOwl(srv.URL, 100, staticCreds("tok"), NewMemDedup(), resolver)
	_, err := a.CreateLot(context.Background(), "t1", LotPayload{
		PartNumber: "3001", ColorID: "5", Condition: model.ConditionNew, Quantity: 1,
	}, "k4")
	require.Error(t, err)
	assert.Equal(t, model.OutcomeMissingMapping, model.Classify(err))
}

func TestBrickOwlUpdateAbsoluteVsRelative(t *testing.T) {
	var bodies []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resolver := func(ctx context.Context, colorID string) (string, error) { return "38", nil }
	a := NewBrickOwl(srv.URL, 100, staticCreds("tok"), NewMemDedup(), resolver)

	abs := int64(7)
	require.NoError(t, a.UpdateLot(context.Background(), "t1", "lot-1", UpdateDelta{Absolute: &abs}, "k5"))
	require.NoError(t, a.UpdateLot(context.Background(), "t1", "lot-1", UpdateDelta{Delta: -2}, "k6"))

	require.Len(t, bodies, 2)
	assert.EqualValues(t, 7, bodies[0]["absolute_quantity"])
	assert.NotContains(t, bodies[0], "relative_quantity")
	assert.EqualValues(t, -2, bodies[1]["relative_quantity"])
	assert.NotContains(t, bodies[1], "absolute_quantity")
}
