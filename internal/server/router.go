package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/relayroom/relayroom/internal/auth"
	"github.com/relayroom/relayroom/internal/store"
	"go.uber.org/zap"
)

const userIDContextKey = "relayroom_user_id"

var (
	errMissingProviderVerifier = errors.New("provider verifier dependency required")
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingUserDirectory    = errors.New("user directory dependency required")
	errMissingMessageStore     = errors.New("message store dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// ProviderVerifier validates the identity provider's ID tokens.
type ProviderVerifier interface {
	Verify(ctx context.Context, token string) (auth.ProviderClaims, error)
}

// SessionTokenManager issues and validates backend session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, claims auth.ProviderClaims) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	Verifier       ProviderVerifier
	TokenManager   SessionTokenManager
	Users          store.UserDirectory
	Messages       store.MessageStore
	Logger         *zap.Logger
	SendRatePerSec float64
	SendBurst      int
}

// NewHTTPHandler builds the chat backend's HTTP surface: provider token
// exchange, snapshot reads, SSE child-event streams, and the authenticated
// send/toggle commands.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingProviderVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUserDirectory
	}
	if deps.Messages == nil {
		return nil, errMissingMessageStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier: deps.Verifier,
		tokens:   deps.TokenManager,
		users:    deps.Users,
		messages: deps.Messages,
		logger:   logger,
		limiter:  newLimiterPool(deps.SendRatePerSec, deps.SendBurst),
	}

	router.POST("/auth/google", handler.handleGoogleAuth)
	router.GET("/users", handler.handleUsersSnapshot)
	router.GET("/messages", handler.handleMessagesSnapshot)
	router.GET("/stream/users", handler.handleUsersStream)
	router.GET("/stream/messages", handler.handleMessagesStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/messages", handler.handleSendMessage)
	protected.POST("/messages/:id/reactions/toggle", handler.handleToggleReaction)

	return router, nil
}

type httpHandler struct {
	verifier ProviderVerifier
	tokens   SessionTokenManager
	users    store.UserDirectory
	messages store.MessageStore
	logger   *zap.Logger
	limiter  *limiterPool
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("provider token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	// The verified profile lands in the shared user directory so every
	// client can resolve this author. Best effort: a failed write does not
	// fail the sign-in.
	h.publishProfile(c.Request.Context(), claims)

	response := authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      claims.Subject,
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) publishProfile(ctx context.Context, claims auth.ProviderClaims) {
	snapshot := store.UserSnapshot{}
	if claims.DisplayName != "" {
		displayName := claims.DisplayName
		snapshot.DisplayName = &displayName
	}
	if claims.AvatarURL != "" {
		avatarURL := claims.AvatarURL
		snapshot.AvatarURL = &avatarURL
	}
	if err := h.users.PublishProfile(ctx, claims.Subject, snapshot); err != nil {
		h.logger.Warn("profile publish failed", zap.String("user_id", claims.Subject), zap.Error(err))
	}
}

func (h *httpHandler) handleUsersSnapshot(c *gin.Context) {
	snapshots, err := h.users.SnapshotUsers(c.Request.Context())
	if err != nil {
		h.logger.Error("users snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": snapshots})
}

type keyedMessagePayload struct {
	ID       string                `json:"id"`
	Snapshot store.MessageSnapshot `json:"snapshot"`
}

func (h *httpHandler) handleMessagesSnapshot(c *gin.Context) {
	keyed, err := h.messages.SnapshotMessages(c.Request.Context())
	if err != nil {
		h.logger.Error("messages snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}
	payload := make([]keyedMessagePayload, 0, len(keyed))
	for _, entry := range keyed {
		payload = append(payload, keyedMessagePayload{ID: entry.Key, Snapshot: entry.Snapshot})
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

type sendMessagePayload struct {
	Text      string `json:"text"`
	CreatedAt *int64 `json:"created_at,omitempty"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !h.limiter.allow(userID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	snapshot := store.MessageSnapshot{
		Text:      &request.Text,
		AuthorID:  &userID,
		CreatedAt: request.CreatedAt,
	}
	key, err := h.messages.AppendMessage(c.Request.Context(), snapshot)
	if err != nil {
		h.logger.Error("message append failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "send_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": key})
}

type toggleReactionPayload struct {
	Emoji string `json:"emoji"`
}

// handleToggleReaction mirrors the client-side toggle: look up the caller's
// reaction with the same emoji on the message, remove it when present, add
// one otherwise. Read-then-write, same double-add caveat as the client.
func (h *httpHandler) handleToggleReaction(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request toggleReactionPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Emoji == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	messageID := c.Param("id")

	snapshot, err := h.messages.SnapshotMessage(c.Request.Context(), messageID)
	if errors.Is(err, store.ErrMessageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("message lookup failed", zap.String("message_id", messageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "toggle_failed"})
		return
	}

	existingKey := ""
	for key, reaction := range snapshot.Reactions {
		if reaction.AuthorID != nil && *reaction.AuthorID == userID &&
			reaction.Emoji != nil && *reaction.Emoji == request.Emoji {
			existingKey = key
			break
		}
	}

	if existingKey != "" {
		if err := h.messages.RemoveReaction(c.Request.Context(), messageID, existingKey); err != nil {
			h.logger.Error("reaction remove failed", zap.String("message_id", messageID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "toggle_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"toggled": "removed", "id": existingKey})
		return
	}

	reaction := store.ReactionSnapshot{
		Emoji:    &request.Emoji,
		AuthorID: &userID,
	}
	key, err := h.messages.AddReaction(c.Request.Context(), messageID, reaction)
	if err != nil {
		h.logger.Error("reaction add failed", zap.String("message_id", messageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "toggle_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"toggled": "added", "id": key})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
