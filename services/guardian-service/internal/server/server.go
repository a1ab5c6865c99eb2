package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stoik/guardian/services/guardian-service/internal/intake"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/payment"
	"github.com/stoik/guardian/services/guardian-service/internal/reconcile"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
)

const maxWebhookBytes = 64 << 10

// Processor processes one user's new mail on demand.
type Processor interface {
	ProcessNewEmails(ctx context.Context, user *models.User) (intake.Summary, error)
}

// Reconciler applies payment notifications.
type Reconciler interface {
	Reconcile(ctx context.Context, n payment.Notification) (*reconcile.Outcome, error)
}

// WebhookParser verifies and decodes a payment provider webhook.
type WebhookParser func(payload []byte, signature string) (*payment.Notification, error)

// Options configure a Server.
type Options struct {
	// ParseWebhook handles POST /api/webhooks/stripe. Nil disables the route.
	ParseWebhook WebhookParser
	// AmountCents values pending donations on the dashboard.
	AmountCents int64
	Logger      *log.Logger
	Now         func() time.Time
}

// Server is the HTTP surface of the guardian service.
type Server struct {
	store        store.Store
	processor    Processor
	reconciler   Reconciler
	parseWebhook WebhookParser
	amountCents  int64
	logger       *log.Logger
	now          func() time.Time
}

// New creates a Server.
func New(st store.Store, processor Processor, reconciler Reconciler, opts Options) *Server {
	s := &Server{
		store:        st,
		processor:    processor,
		reconciler:   reconciler,
		parseWebhook: opts.ParseWebhook,
		amountCents:  opts.AmountCents,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Router returns the gin engine serving the API.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		if s.parseWebhook != nil {
			api.POST("/webhooks/stripe", s.handleStripeWebhook)
		}
		api.POST("/payments/reconcile", s.handleReconcile)
		api.POST("/process-emails", s.handleProcessEmails)

		users := api.Group("/users/:id", s.loadUser)
		{
			users.GET("/settings", s.handleGetSettings)
			users.PUT("/settings", s.handleUpdateSettings)
			users.GET("/contacts", s.handleListContacts)
			users.POST("/contacts", s.handleAddContact)
			users.GET("/pending-emails", s.handleListPendingEmails)
			users.GET("/donations", s.handleListDonations)
			users.GET("/stats", s.handleStats)
		}
	}

	return r
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("Request",
		"method", c.Request.Method, "path", c.FullPath(),
		"status", c.Writer.Status(), "duration", time.Since(start))
}

func (s *Server) loadUser(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	user, err := s.store.GetUser(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		s.internalError(c, "Failed to load user", err)
		return
	}
	c.Set("user", user)
	c.Next()
}

func userFrom(c *gin.Context) *models.User {
	return c.MustGet("user").(*models.User)
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, "path", c.FullPath(), "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
