package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stoik/guardian/internal/models"
)

var (
	firstNames = []string{"John", "Jane", "Bob", "Alice", "Charlie", "Diana", "Eve", "Frank"}
	lastNames  = []string{"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis"}
	domains    = []string{"example.com", "company.com", "business.org", "enterprise.net"}
	subjects   = []string{
		"Meeting tomorrow",
		"Project update",
		"Budget review",
		"Partnership opportunity",
		"Quarterly report",
		"Quick question",
		"Urgent: Action required",
		"Follow up",
	}
)

// Server is an in-memory Gmail API. Mailboxes are addressed by the bearer
// token of the request, mirroring the "users/me" resource.
type Server struct {
	mu       sync.RWMutex
	byToken  map[string]*Mailbox
	byEmail  map[string]*Mailbox
	emailTok map[string]string
}

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{
		byToken:  make(map[string]*Mailbox),
		byEmail:  make(map[string]*Mailbox),
		emailTok: make(map[string]string),
	}
}

// AddMailbox registers a mailbox reachable with token. Adding an existing
// address keeps its messages.
func (s *Server) AddMailbox(email, token string) *Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(email)
	mb, ok := s.byEmail[email]
	if !ok {
		mb = newMailbox(email)
		s.byEmail[email] = mb
	}
	if token != "" {
		s.byToken[token] = mb
		s.emailTok[email] = token
	}
	return mb
}

// Mailbox returns the mailbox of email, or nil.
func (s *Server) Mailbox(email string) *Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byEmail[strings.ToLower(email)]
}

// RotateToken invalidates the current token of email and accepts token
// instead. Requests with the old token receive 401.
func (s *Server) RotateToken(email, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(email)
	mb, ok := s.byEmail[email]
	if !ok {
		return
	}
	delete(s.byToken, s.emailTok[email])
	s.byToken[token] = mb
	s.emailTok[email] = token
}

func (s *Server) mailboxes() []*Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Mailbox, 0, len(s.byEmail))
	for _, mb := range s.byEmail {
		out = append(out, mb)
	}
	return out
}

// Router returns the gin engine serving the Gmail API and admin endpoints.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	me := r.Group("/gmail/v1/users/me", s.authenticate)
	{
		me.GET("/profile", s.handleProfile)
		me.GET("/messages", s.handleListMessages)
		me.GET("/messages/:id", s.handleGetMessage)
		me.POST("/messages/:id/modify", s.handleModify)
		me.POST("/messages/send", s.handleSend)
		me.GET("/labels", s.handleListLabels)
		me.POST("/labels", s.handleCreateLabel)
	}

	admin := r.Group("/admin")
	{
		admin.POST("/mailboxes", s.handleAddMailbox)
		admin.POST("/mailboxes/:email/messages", s.handleDeliver)
		admin.GET("/mailboxes/:email/sent", s.handleSent)
	}

	return r
}

func gmailError(c *gin.Context, code int, msg string) {
	var e models.GmailError
	e.Error.Code = code
	e.Error.Message = msg
	e.Error.Status = strings.ToUpper(strings.ReplaceAll(http.StatusText(code), " ", "_"))
	c.AbortWithStatusJSON(code, e)
}

func (s *Server) authenticate(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	s.mu.RLock()
	mb, ok := s.byToken[token]
	s.mu.RUnlock()
	if token == "" || !ok {
		gmailError(c, http.StatusUnauthorized, "Request had invalid authentication credentials.")
		return
	}
	c.Set("mailbox", mb)
	c.Next()
}

func mailboxFrom(c *gin.Context) *Mailbox {
	return c.MustGet("mailbox").(*Mailbox)
}

func (s *Server) handleProfile(c *gin.Context) {
	mb := mailboxFrom(c)
	mb.mu.RLock()
	total := len(mb.messages)
	mb.mu.RUnlock()
	c.JSON(http.StatusOK, models.GmailProfile{
		EmailAddress:  mb.Email,
		MessagesTotal: total,
		ThreadsTotal:  total,
		HistoryID:     strconv.Itoa(total),
	})
}

func (s *Server) handleListMessages(c *gin.Context) {
	q, err := parseQuery(c.Query("q"))
	if err != nil {
		gmailError(c, http.StatusBadRequest, err.Error())
		return
	}
	max, err := strconv.Atoi(c.DefaultQuery("maxResults", "100"))
	if err != nil || max < 1 {
		gmailError(c, http.StatusBadRequest, "invalid maxResults")
		return
	}
	offset := 0
	if tok := c.Query("pageToken"); tok != "" {
		if offset, err = strconv.Atoi(tok); err != nil {
			gmailError(c, http.StatusBadRequest, "invalid pageToken")
			return
		}
	}
	c.JSON(http.StatusOK, mailboxFrom(c).list(q, max, offset))
}

func (s *Server) handleGetMessage(c *gin.Context) {
	gm, ok := mailboxFrom(c).Message(c.Param("id"))
	if !ok {
		gmailError(c, http.StatusNotFound, errNotFound.Error())
		return
	}
	c.JSON(http.StatusOK, gm)
}

func (s *Server) handleModify(c *gin.Context) {
	var req models.GmailModifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		gmailError(c, http.StatusBadRequest, err.Error())
		return
	}
	gm, err := mailboxFrom(c).modify(c.Param("id"), req)
	switch {
	case errors.Is(err, errNotFound):
		gmailError(c, http.StatusNotFound, err.Error())
	case err != nil:
		gmailError(c, http.StatusBadRequest, err.Error())
	default:
		c.JSON(http.StatusOK, gm)
	}
}

func (s *Server) handleSend(c *gin.Context) {
	var req models.GmailSendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Raw == "" {
		gmailError(c, http.StatusBadRequest, "raw message required")
		return
	}
	ref, err := mailboxFrom(c).send(req)
	if err != nil {
		gmailError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (s *Server) handleListLabels(c *gin.Context) {
	c.JSON(http.StatusOK, models.GmailLabelList{Labels: mailboxFrom(c).labelList()})
}

func (s *Server) handleCreateLabel(c *gin.Context) {
	var req models.GmailLabel
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		gmailError(c, http.StatusBadRequest, "label name required")
		return
	}
	l, err := mailboxFrom(c).createLabel(req)
	if errors.Is(err, errLabelExists) {
		gmailError(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) handleAddMailbox(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.AddMailbox(req.Email, req.Token)
	c.JSON(http.StatusOK, gin.H{"email": strings.ToLower(req.Email)})
}

func (s *Server) handleDeliver(c *gin.Context) {
	mb := s.Mailbox(c.Param("email"))
	if mb == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown mailbox"})
		return
	}
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": mb.Deliver(req)})
}

func (s *Server) handleSent(c *gin.Context) {
	mb := s.Mailbox(c.Param("email"))
	if mb == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown mailbox"})
		return
	}
	sent := mb.Sent()
	out := make([]gin.H, 0, len(sent))
	for _, m := range sent {
		out = append(out, gin.H{"id": m.ID, "to": m.To, "subject": m.Subject, "body": m.Body})
	}
	c.JSON(http.StatusOK, out)
}

// Seed delivers 0-3 messages from random unknown senders to every mailbox
// each interval until ctx is done.
func (s *Server) Seed(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, mb := range s.mailboxes() {
				n := rand.Intn(4)
				for i := 0; i < n; i++ {
					mb.Deliver(randomMessage(now.Add(-time.Duration(rand.Intn(int(interval/time.Second)+1)) * time.Second)))
				}
			}
		}
	}
}

func randomMessage(at time.Time) DeliverRequest {
	idx := rand.Intn(50000)
	first := firstNames[idx%len(firstNames)]
	last := lastNames[idx%len(lastNames)]
	subject := subjects[rand.Intn(len(subjects))]
	return DeliverRequest{
		From:       fmt.Sprintf("%s %s <%s.%s.%d@%s>", first, last, strings.ToLower(first), strings.ToLower(last), idx, domains[idx%len(domains)]),
		Subject:    subject,
		Snippet:    fmt.Sprintf("This is a snippet for: %s", subject),
		ReceivedAt: at,
	}
}
