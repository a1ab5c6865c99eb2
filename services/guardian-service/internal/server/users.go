package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	wire "github.com/stoik/guardian/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/intake"
	"github.com/stoik/guardian/services/guardian-service/internal/mailbox"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
)

func settingsOf(u *models.User) wire.Settings {
	return wire.Settings{
		Email:               u.Email,
		PollIntervalMinutes: models.ClampPollInterval(u.PollIntervalMinutes),
		UseAIResponses:      u.UseAIResponses,
		CharityName:         u.Charity(),
		LastEmailCheck:      u.LastEmailCheck,
	}
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, settingsOf(userFrom(c)))
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req wire.SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := userFrom(c)
	settings := models.UserSettings{
		PollIntervalMinutes: user.PollIntervalMinutes,
		UseAIResponses:      user.UseAIResponses,
		CharityName:         user.CharityName,
	}
	if req.PollIntervalMinutes != nil {
		settings.PollIntervalMinutes = *req.PollIntervalMinutes
	}
	if req.UseAIResponses != nil {
		settings.UseAIResponses = *req.UseAIResponses
	}
	if req.CharityName != nil {
		settings.CharityName = strings.TrimSpace(*req.CharityName)
	}

	if err := s.store.UpdateUserSettings(c.Request.Context(), user.ID, settings); err != nil {
		s.internalError(c, "Failed to update settings", err)
		return
	}
	user.PollIntervalMinutes = models.ClampPollInterval(settings.PollIntervalMinutes)
	user.UseAIResponses = settings.UseAIResponses
	user.CharityName = settings.CharityName
	c.JSON(http.StatusOK, settingsOf(user))
}

func contactOf(ct *models.Contact) wire.Contact {
	return wire.Contact{
		ID:            ct.ID.String(),
		Email:         ct.Email,
		Name:          ct.Name,
		IsWhitelisted: ct.IsWhitelisted,
		AddedAt:       ct.AddedAt,
	}
}

func (s *Server) handleListContacts(c *gin.Context) {
	contacts, err := s.store.ListContacts(c.Request.Context(), userFrom(c).ID)
	if err != nil {
		s.internalError(c, "Failed to list contacts", err)
		return
	}
	out := make([]wire.Contact, 0, len(contacts))
	for i := range contacts {
		out = append(out, contactOf(&contacts[i]))
	}
	c.JSON(http.StatusOK, out)
}

// handleAddContact adds a contact, whitelisted unless stated otherwise.
// An existing whitelist is never revoked.
func (s *Server) handleAddContact(c *gin.Context) {
	var req wire.ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := mailbox.ExtractAddress(req.Email)
	if !strings.Contains(email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email address"})
		return
	}
	whitelisted := true
	if req.IsWhitelisted != nil {
		whitelisted = *req.IsWhitelisted
	}

	ct, err := s.store.UpsertContact(c.Request.Context(), &models.Contact{
		UserID:        userFrom(c).ID,
		Email:         email,
		Name:          strings.TrimSpace(req.Name),
		IsWhitelisted: whitelisted,
		AddedAt:       s.now().UTC(),
	})
	if err != nil {
		s.internalError(c, "Failed to save contact", err)
		return
	}
	c.JSON(http.StatusOK, contactOf(ct))
}

func (s *Server) handleListPendingEmails(c *gin.Context) {
	emails, err := s.store.ListPendingEmails(c.Request.Context(), userFrom(c).ID)
	if err != nil {
		s.internalError(c, "Failed to list pending emails", err)
		return
	}
	out := make([]wire.PendingEmail, 0, len(emails))
	for _, e := range emails {
		out = append(out, wire.PendingEmail{
			ID:             e.ID.String(),
			MessageID:      e.MessageID,
			Sender:         e.Sender,
			Subject:        e.Subject,
			Snippet:        e.Snippet,
			ReceivedAt:     e.ReceivedAt,
			Status:         string(e.Status),
			Delivered:      e.Status.Delivered(),
			DonationLinkID: e.DonationLinkID,
			PaidAt:         e.PaidAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListDonations(c *gin.Context) {
	donations, err := s.store.ListDonations(c.Request.Context(), userFrom(c).ID)
	if err != nil {
		s.internalError(c, "Failed to list donations", err)
		return
	}
	out := make([]wire.Donation, 0, len(donations))
	for _, d := range donations {
		out = append(out, wire.Donation{
			ID:          d.ID.String(),
			SessionID:   d.SessionID,
			AmountCents: d.AmountCents,
			SenderEmail: d.SenderEmail,
			Status:      d.Status,
			PaidAt:      d.PaidAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := store.DashboardStats(c.Request.Context(), s.store, userFrom(c).ID, s.now(), s.amountCents)
	if err != nil {
		s.internalError(c, "Failed to compute stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleProcessEmails processes one user's new mail now and advances the
// watermark on success.
func (s *Server) handleProcessEmails(c *gin.Context) {
	var req wire.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	var (
		user *models.User
		err  error
	)
	switch {
	case req.UserID != "":
		id, perr := uuid.Parse(req.UserID)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		user, err = s.store.GetUser(ctx, id)
	case req.Email != "":
		user, err = s.store.GetUserByEmail(ctx, req.Email)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId or email required"})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		s.internalError(c, "Failed to load user", err)
		return
	}
	if !user.HasMailbox() {
		c.JSON(http.StatusConflict, gin.H{"error": "mailbox not connected"})
		return
	}

	started := s.now().UTC()
	summary, err := s.processor.ProcessNewEmails(ctx, user)
	if errors.Is(err, intake.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("On-demand processing failed", "user", user.Email, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.UpdateUserLastEmailCheck(ctx, user.ID, started); err != nil {
		s.logger.Warn("Failed to advance watermark", "user", user.Email, "error", err)
	}

	counts := make(map[string]int, len(summary.Counts))
	for d, n := range summary.Counts {
		counts[string(d)] = n
	}
	c.JSON(http.StatusOK, wire.ProcessResponse{
		Listed:    summary.Listed,
		Counts:    counts,
		Failed:    summary.Failed,
		Resumed:   summary.Resumed,
		Refreshed: summary.Refreshed,
	})
}
