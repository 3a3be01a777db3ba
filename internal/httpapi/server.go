package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mailloft/syncd/internal/auth"
	"github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/store"
	"github.com/mailloft/syncd/internal/syncer"
	"github.com/mailloft/syncd/internal/watchdog"
)

// Server exposes the sync engine over HTTP: provider push webhooks,
// scheduler task triggers, and operator account management.
type Server struct {
	store     *store.Store
	orch      *syncer.Orchestrator
	dog       *watchdog.Watchdog
	verifier  *auth.Verifier
	taskToken string
	log       *logrus.Entry
}

func NewServer(s *store.Store, orch *syncer.Orchestrator, dog *watchdog.Watchdog, verifier *auth.Verifier, taskToken string) *Server {
	return &Server{
		store:     s,
		orch:      orch,
		dog:       dog,
		verifier:  verifier,
		taskToken: taskToken,
		log:       logrus.WithField("component", "httpapi"),
	}
}

type pushRequest struct {
	Address      string `json:"address" binding:"required"`
	ChangeMarker string `json:"change_marker"`
}

type createAccountRequest struct {
	Kind    string `json:"kind" binding:"required"`
	Address string `json:"address" binding:"required"`
}

// Routes registers all handlers on the router.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	tasks := r.Group("/")
	tasks.Use(s.taskAuthMiddleware())
	tasks.POST("/push", s.handlePush)
	tasks.POST("/tasks/watchdog", s.handleWatchdogTask)
	tasks.POST("/tasks/sync", s.handleSyncTask)

	ops := r.Group("/accounts")
	ops.Use(s.operatorAuthMiddleware())
	ops.GET("", s.handleListAccounts)
	ops.POST("", s.handleCreateAccount)
	ops.GET("/:id", s.handleGetAccount)
	ops.POST("/:id/reset", s.handleResetAccount)
	ops.POST("/:id/folders/:type/enable", s.handleSetFolder(false))
	ops.POST("/:id/folders/:type/disable", s.handleSetFolder(true))
}

// taskAuthMiddleware checks the shared bearer token used by the external
// scheduler and provider webhook relays.
func (s *Server) taskAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if s.taskToken == "" || token != s.taskToken {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid task token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// operatorAuthMiddleware verifies the operator JWT. With no verifier
// configured the routes are open, for local development only.
func (s *Server) operatorAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			c.Next()
			return
		}
		operator, err := s.verifier.OperatorFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("operator", operator)
		c.Next()
	}
}

// handlePush acknowledges a provider push notification and kicks a
// forward pass for the account. The response is always 200 once the
// token checks out, so providers never retry-storm on our internal
// errors.
func (s *Server) handlePush(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	s.log.WithFields(logrus.Fields{
		"address": req.Address,
		"marker":  req.ChangeMarker,
	}).Debug("push notification received")

	s.orch.TriggerForward(req.Address)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleWatchdogTask(c *gin.Context) {
	s.dog.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSyncTask(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.orch.RunDueForwardPolls(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.RunDueBackfills(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.store.ListAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind, err := mail.ParseProviderKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acct, err := s.store.CreateAccount(c.Request.Context(), kind, req.Address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Seed immediately rather than waiting for the next watchdog sweep.
	// Detached from the request context so a closed connection cannot
	// abort the seed mid-pass.
	go func() {
		if err := s.orch.Seed(context.Background(), acct); err != nil {
			s.log.WithError(err).WithField("account", acct.ID).Warn("initial seed failed")
		}
	}()

	c.JSON(http.StatusCreated, acct)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	acct, err := s.store.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == store.ErrAccountNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, acct)
}

// handleResetAccount is the operator escape hatch out of the error
// state. It clears cursors and messages and returns the account to the
// pending state for a fresh seed.
func (s *Server) handleResetAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.ResetAccount(c.Request.Context(), id); err != nil {
		if err == store.ErrAccountNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleSetFolder(disabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		folder, err := mail.ParseFolderType(c.Param("type"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		id := c.Param("id")
		if err := s.store.SetFolderDisabled(c.Request.Context(), id, folder, disabled); err != nil {
			if err == store.ErrAccountNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	}
}
