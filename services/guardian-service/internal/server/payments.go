package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	wire "github.com/stoik/guardian/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/payment"
	"github.com/stoik/guardian/services/guardian-service/internal/reconcile"
)

func outcomeOf(o *reconcile.Outcome) wire.ReconcileResponse {
	out := wire.ReconcileResponse{
		Resolution:    string(o.Kind),
		UserID:        o.UserID.String(),
		SenderEmail:   o.Sender,
		SessionID:     o.SessionID,
		Duplicate:     o.Duplicate,
		Released:      o.Released,
		ReleaseFailed: o.ReleaseFailed,
	}
	if out.Released == nil {
		out.Released = []string{}
	}
	return out
}

// handleStripeWebhook verifies and applies a payment webhook. Unattributable
// payments are acknowledged so the provider stops retrying; store failures
// answer 500 so it retries.
func (s *Server) handleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	n, err := s.parseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if errors.Is(err, payment.ErrIgnoredEvent) {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if err != nil {
		s.logger.Warn("Rejected webhook", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		return
	}

	outcome, err := s.reconciler.Reconcile(c.Request.Context(), *n)
	switch {
	case errors.Is(err, reconcile.ErrUnresolved):
		c.JSON(http.StatusOK, gin.H{"received": true, "resolution": string(reconcile.Unresolved)})
	case err != nil:
		s.internalError(c, "Failed to reconcile payment", err)
	default:
		c.JSON(http.StatusOK, outcomeOf(outcome))
	}
}

// handleReconcile confirms a payment by hand.
func (s *Server) handleReconcile(c *gin.Context) {
	var req wire.ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n := payment.Notification{
		Type:          payment.EventPaymentSucceeded,
		SessionID:     req.SessionID,
		PaymentLinkID: req.PaymentLinkID,
		AmountCents:   req.AmountCents,
		Metadata:      map[string]string{},
	}
	for k, v := range map[string]string{
		models.MetaSenderEmail: req.SenderEmail,
		models.MetaTargetEmail: req.TargetEmail,
		models.MetaUserID:      req.UserID,
	} {
		if v != "" {
			n.Metadata[k] = v
		}
	}

	outcome, err := s.reconciler.Reconcile(c.Request.Context(), n)
	switch {
	case errors.Is(err, reconcile.ErrUnresolved):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		s.internalError(c, "Failed to reconcile payment", err)
	default:
		c.JSON(http.StatusOK, outcomeOf(outcome))
	}
}
