package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
)

var webhookEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "syncd_webhook_events_total",
		Help: "Webhook deliveries by disposition",
	},
	[]string{"provider", "disposition"},
)

// webhookClaims is the per-tenant webhook URL token. Tokens are minted when a
// tenant connects a marketplace and embedded in the callback URL they
// register upstream.
type webhookClaims struct {
	TenantID string `json:"tenant_id"`
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// MintWebhookToken issues the callback-URL token for a tenant and provider.
func MintWebhookToken(secret, tenantID string, p model.Provider) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, webhookClaims{
		TenantID: tenantID,
		Provider: string(p),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	})
	return token.SignedString([]byte(secret))
}

func parseWebhookToken(secret, raw string, p model.Provider) (string, error) {
	var claims webhookClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid webhook token: %w", model.ErrAuth)
	}
	if claims.TenantID == "" || claims.Provider != string(p) {
		return "", fmt.Errorf("webhook token does not match provider: %w", model.ErrAuth)
	}
	return claims.TenantID, nil
}

// webhookPayload is the marketplace push notification body. Both marketplaces
// send a flat event envelope `{eventType, resourceId, timestamp}` with an
// RFC 3339 timestamp; resource IDs arrive as either JSON strings or numbers.
type webhookPayload struct {
	EventType  string     `json:"eventType"`
	ResourceID resourceID `json:"resourceId"`
	Timestamp  time.Time  `json:"timestamp"`
}

// resourceID tolerates both `"12345"` and `12345` on the wire.
type resourceID string

func (r *resourceID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = resourceID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*r = resourceID(n.String())
	return nil
}

// handleWebhook receives marketplace push notifications. Valid deliveries are
// always acknowledged with 200 even when processing fails internally, so the
// marketplace does not retry forever; the poller catches anything dropped.
func (s *Server) handleWebhook(c *gin.Context) {
	p := model.Provider(c.Param("provider"))
	if !p.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown provider"})
		return
	}

	tenantID, err := parseWebhookToken(s.webhook.TokenSecret, c.Param("token"), p)
	if err != nil {
		webhookEvents.WithLabelValues(string(p), "bad_token").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token", "message": "malformed webhook token"})
		return
	}

	if c.Request.ContentLength > s.webhook.PayloadMax {
		webhookEvents.WithLabelValues(string(p), "too_large").Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.webhook.PayloadMax+1))
	if err != nil || int64(len(body)) > s.webhook.PayloadMax {
		webhookEvents.WithLabelValues(string(p), "too_large").Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.EventType == "" || payload.ResourceID == "" {
		// Unparseable bodies from a valid token are acked; the upstream
		// will not send anything better on retry.
		webhookEvents.WithLabelValues(string(p), "unparseable").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	now := time.Now().UTC()
	event := &model.WebhookEvent{
		TenantID:   tenantID,
		Provider:   p,
		EventType:  payload.EventType,
		ResourceID: string(payload.ResourceID),
		Timestamp:  payload.Timestamp.UTC(),
		ReceivedAt: now,
	}

	// Stale replays are acknowledged without processing.
	if now.Sub(event.Timestamp) > s.webhook.MaxEventAge {
		webhookEvents.WithLabelValues(string(p), "stale").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	fresh := false
	err = s.st.WithTx(c.Request.Context(), func(tx store.Tx) error {
		var err error
		fresh, err = tx.Webhooks().Record(event)
		return err
	})
	if err != nil {
		// Internal failures are swallowed; the delivery is acked and the
		// poller will reconcile.
		s.log.Error("webhook record failed", "provider", p, "tenant", tenantID, "error", err)
		webhookEvents.WithLabelValues(string(p), "error").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
		return
	}
	if !fresh {
		webhookEvents.WithLabelValues(string(p), "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	s.processWebhookEvent(c, p, event)
	webhookEvents.WithLabelValues(string(p), "accepted").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// processWebhookEvent schedules the follow-up work a push notification
// implies. Catalog change events refresh at high priority; errors are logged,
// never surfaced.
func (s *Server) processWebhookEvent(c *gin.Context, p model.Provider, event *model.WebhookEvent) {
	ctx := c.Request.Context()
	var (
		table model.CatalogTable
		key   string
	)
	switch event.EventType {
	case "part_updated":
		table, key = model.TablePart, event.ResourceID
	case "color_updated":
		table, key = model.TableColor, event.ResourceID
	case "category_updated":
		table, key = model.TableCategory, event.ResourceID
	case "price_updated":
		table, key = model.TablePriceGuide, event.ResourceID
	default:
		// Marketplace activity events (orders and the like) hint that the
		// resource's market price moved; refresh its price guide.
		table, key = model.TablePriceGuide, event.ResourceID
	}
	if _, err := s.catalog.CheckAndEnqueue(ctx, table, key, "", nil, model.PriorityHigh); err != nil {
		s.log.Error("webhook refresh enqueue failed",
			"provider", p, "table", table, "key", key, "error", err)
		return
	}
	if s.refresh != nil {
		s.refresh.Poke()
	}
}
