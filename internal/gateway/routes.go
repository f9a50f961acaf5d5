package gateway

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/psychophant/arena/internal/lock"
	"github.com/psychophant/arena/internal/models"
	"github.com/psychophant/arena/internal/session"
)

// registerRoutes sets up all gateway routes on the Gin router.
func registerRoutes(router *gin.Engine, opts *StartOpts) {
	router.GET("/healthz", handleHealthz(opts))

	api := router.Group("/api")
	api.POST("/agents", handleCreateAgent(opts))
	api.GET("/agents", handleListAgents(opts))

	api.POST("/conversations", handleCreateConversation(opts))
	api.GET("/conversations/:id", handleGetConversation(opts))
	api.POST("/conversations/:id/start", handleStart(opts))
	api.POST("/conversations/:id/interject", handleInterject(opts))
	api.POST("/conversations/:id/pause", handlePause(opts))
	api.POST("/conversations/:id/resume", handleResume(opts))
	api.POST("/conversations/:id/force-agreement", handleForceAgreement(opts))
	api.GET("/conversations/:id/stream", handleConversationStream(opts))

	api.GET("/credits/balance", handleBalance(opts))
	api.GET("/credits/transactions", handleTransactions(opts))
	api.GET("/credits/stream", handleCreditStream(opts))
}

// userID extracts the authenticated user from the request. Upstream auth
// terminates at the proxy; the gateway trusts the forwarded header.
func userID(c *gin.Context) (string, bool) {
	id := c.GetHeader("X-User-ID")
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-ID header"})
		return "", false
	}
	return id, true
}

func handleHealthz(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := opts.DB.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

type createAgentRequest struct {
	Name         string `json:"name" binding:"required"`
	Model        string `json:"model" binding:"required"`
	SystemPrompt string `json:"systemPrompt"`
}

func handleCreateAgent(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}
		var req createAgentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		agent := models.Agent{
			ID:           models.MustNewID("agent"),
			UserID:       user,
			Name:         req.Name,
			Model:        req.Model,
			SystemPrompt: req.SystemPrompt,
		}
		if err := opts.DB.Create(&agent).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, agent)
	}
}

func handleListAgents(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}
		var agents []models.Agent
		if err := opts.DB.Where("user_id = ? AND archived = ?", user, false).
			Order("created_at ASC").Find(&agents).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"agents": agents})
	}
}

type createConversationRequest struct {
	Title       string   `json:"title"`
	Mode        string   `json:"mode"`
	Topic       string   `json:"topic" binding:"required"`
	TotalRounds int      `json:"totalRounds"`
	MaxTokens   int      `json:"maxTokens"`
	HumanGated  bool     `json:"humanGated"`
	AgentIDs    []string `json:"agentIds" binding:"required,min=1"`
}

func handleCreateConversation(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}
		var req createConversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Mode == "" {
			req.Mode = models.ModeDebate
		}
		switch req.Mode {
		case models.ModeDebate, models.ModeCollaboration, models.ModeArena:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode " + req.Mode})
			return
		}
		if req.TotalRounds <= 0 {
			req.TotalRounds = 3
		}
		if req.MaxTokens <= 0 {
			req.MaxTokens = 800
		}

		var agentCount int64
		if err := opts.DB.Model(&models.Agent{}).
			Where("user_id = ? AND id IN ?", user, req.AgentIDs).
			Count(&agentCount).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if int(agentCount) != len(req.AgentIDs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "one or more agents not found"})
			return
		}

		conv := models.Conversation{
			ID:          models.MustNewID("conv"),
			UserID:      user,
			Title:       req.Title,
			Mode:        req.Mode,
			Status:      "created",
			Topic:       req.Topic,
			TotalRounds: req.TotalRounds,
			MaxTokens:   req.MaxTokens,
			HumanGated:  req.HumanGated,
		}
		err := opts.DB.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&conv).Error; err != nil {
				return err
			}
			for i, agentID := range req.AgentIDs {
				part := models.ConversationParticipant{
					ConversationID: conv.ID,
					AgentID:        agentID,
					Position:       i,
				}
				if err := tx.Create(&part).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, conv)
	}
}

// loadOwnedConversation fetches a conversation and enforces ownership.
func loadOwnedConversation(c *gin.Context, opts *StartOpts) (*models.Conversation, bool) {
	user, ok := userID(c)
	if !ok {
		return nil, false
	}
	var conv models.Conversation
	err := opts.DB.Where("id = ? AND user_id = ?", c.Param("id"), user).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return &conv, true
}

func handleGetConversation(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := loadOwnedConversation(c, opts)
		if !ok {
			return
		}
		var messages []models.ConversationMessage
		if err := opts.DB.Where("conversation_id = ?", conv.ID).
			Order("id ASC").Find(&messages).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		sess, err := opts.Sessions.Get(conv.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"conversation": conv,
			"messages":     messages,
			"session":      sess,
		})
	}
}

type startRequest struct {
	InitialPrompt string `json:"initialPrompt"`
}

func handleStart(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := loadOwnedConversation(c, opts)
		if !ok {
			return
		}
		var req startRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		enough, err := opts.Ledger.CheckSufficient(conv.UserID, opts.minimumBalance())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !enough {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credit balance"})
			return
		}

		job, err := opts.Queue.StartConversation(conv.ID, req.InitialPrompt)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
	}
}

type interjectRequest struct {
	Content string `json:"content" binding:"required"`
}

func handleInterject(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := loadOwnedConversation(c, opts)
		if !ok {
			return
		}
		var req interjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		job, err := opts.Queue.ProcessInterjection(conv.ID, req.Content)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
	}
}

// handlePause is the one control operation performed synchronously instead
// of through the queue: the user expects the conversation stopped when the
// request returns. It takes the conversation lock so a turn in flight
// finishes before the pause lands.
func handlePause(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := loadOwnedConversation(c, opts)
		if !ok {
			return
		}

		key := lock.Key(conv.ID)
		token, acquired, err := lock.Acquire(opts.DB, key, opts.LockTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !acquired {
			c.JSON(http.StatusConflict, gin.H{"error": "conversation is busy, retry shortly"})
			return
		}
		defer func() {
			if rerr := lock.Release(opts.DB, key, token); rerr != nil {
				log.Printf("gateway: release %s: %v", key, rerr)
			}
		}()

		sess, err := opts.Sessions.Get(conv.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil || sess.Status == models.SessionCompleted {
			c.JSON(http.StatusConflict, gin.H{"error": "conversation is not running"})
			return
		}

		if err := opts.Sessions.Set(conv.ID, session.Update{
			Status: session.String(models.SessionPaused),
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := opts.DB.Model(&models.Conversation{}).
			Where("id = ?", conv.ID).
			Update("status", models.SessionPaused).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": models.SessionPaused})
	}
}

func handleResume(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := loadOwnedConversation(c, opts)
		if !ok {
			return
		}
		sess, err := opts.Sessions.Get(conv.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil || sess.Status != models.SessionPaused {
			c.JSON(http.StatusConflict, gin.H{"error": "conversation is not paused"})
			return
		}

		enough, err := opts.Ledger.CheckSufficient(conv.UserID, opts.minimumBalance())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !enough {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credit balance"})
			return
		}

		job, err := opts.Queue.ResumeConversation(conv.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
	}
}

func handleForceAgreement(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := loadOwnedConversation(c, opts)
		if !ok {
			return
		}
		sess, err := opts.Sessions.Get(conv.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "conversation has not started"})
			return
		}
		switch sess.Status {
		case models.SessionCompleted:
			c.JSON(http.StatusConflict, gin.H{"error": "conversation already completed"})
			return
		case models.SessionForceAgreement:
			c.JSON(http.StatusConflict, gin.H{"error": "agreement phase already in progress"})
			return
		}

		job, err := opts.Queue.ForceAgreementPhase(conv.ID, 1)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
	}
}

func handleBalance(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}
		balance, err := opts.Ledger.GetBalance(user)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"freeCents":      balance.FreeCents,
			"purchasedCents": balance.PurchasedCents,
			"totalCents":     balance.TotalCents,
		})
	}
}

func handleTransactions(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		rows, total, err := opts.Ledger.Transactions(user, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"transactions": rows, "total": total})
	}
}
