package server

import (
	"errors"
	"strconv"

	"cipher-chat/internal/httputil"
	"cipher-chat/internal/messaging"
	"cipher-chat/internal/platform/config"
	"cipher-chat/internal/platform/health"
	"cipher-chat/internal/platform/middleware"
	"cipher-chat/internal/security/crypto"
	"cipher-chat/internal/security/keymanager"
	"cipher-chat/internal/storage/database/user"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// 處理器依賴，由 Router 注入
var (
	svc   *messaging.Service
	users user.Repository
)

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止點擊劫持
		c.Header("X-Frame-Options", "DENY")

		// 防止 MIME 類型嗅探
		c.Header("X-Content-Type-Options", "nosniff")

		// 內容安全策略
		c.Header("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none';")

		// 推薦政策
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		c.Next()
	}
}

// Router 設定路由
func Router(service *messaging.Service, userRepo user.Repository) *gin.Engine {
	svc = service
	users = userRepo

	r := gin.Default()

	// 添加請求 ID 中間件（最優先）
	r.Use(middleware.RequestIDMiddleware())

	// 添加安全標頭中間件
	r.Use(securityHeadersMiddleware())

	// 從配置讀取限制參數
	cfg := config.Get()

	// 添加請求大小限制
	maxBodySize := int64(1 << 20) // 默認 1MB
	if cfg != nil && cfg.Limits.Request.MaxBodySize > 0 {
		maxBodySize = cfg.Limits.Request.MaxBodySize
	}
	r.Use(middleware.RequestSizeLimiter(maxBodySize))

	// 創建處理器
	healthHandler := health.NewHealthHandler()

	// health check
	r.GET("/health", healthHandler.HealthCheck)

	// 用戶與密鑰 API
	r.POST("/api/v1/users", createUser)
	r.PUT("/api/v1/users/:user_id/settings", updateSecuritySettings)
	r.GET("/api/v1/users/:user_id/keys", getKeyBundle)
	r.POST("/api/v1/users/:user_id/ephemeral-keys", issueEphemeralKey)
	r.PUT("/api/v1/users/:user_id/ephemeral-keys/:key_id", attachEphemeralPublicKey)

	// 訊息 API
	r.POST("/api/v1/messages", sendMessage)
	r.GET("/api/v1/messages", getMessages)
	r.GET("/api/v1/messages/undelivered", getUndeliveredMessages)
	r.POST("/api/v1/messages/:message_id/delivered", markDelivered)
	r.POST("/api/v1/conversations/:conversation_id/read", markConversationRead)

	return r
}

// 創建用戶
func createUser(c *gin.Context) {
	var req struct {
		ID                  string                 `json:"id"`
		Username            string                 `json:"username"`
		PublicKey           string                 `json:"public_key"`
		EncryptionPublicKey string                 `json:"encryption_public_key"`
		SecuritySettings    *user.SecuritySettings `json:"security_settings"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := middleware.ValidateUserID(req.ID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	// 長期加密公鑰可選，但給了就必須是合法的 SPKI 格式
	if req.EncryptionPublicKey != "" {
		if _, err := crypto.ImportPublicKey(req.EncryptionPublicKey); err != nil {
			httputil.BadRequest(c, "長期加密公鑰格式錯誤")
			return
		}
	}

	settings := user.DefaultSecuritySettings()
	if req.SecuritySettings != nil {
		settings = *req.SecuritySettings
	}

	u := &user.User{
		ID:                  req.ID,
		Username:            req.Username,
		PublicKey:           req.PublicKey,
		EncryptionPublicKey: req.EncryptionPublicKey,
		EphemeralKeys:       []user.EphemeralKey{},
		SecuritySettings:    settings,
	}

	if err := users.Create(c.Request.Context(), u); err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(201, gin.H{
		"success": true,
		"message": httputil.DataCreated,
		"data":    gin.H{"id": u.ID},
	})
}

// 更新用戶安全設定
func updateSecuritySettings(c *gin.Context) {
	userID := c.Param("user_id")

	var req user.SecuritySettings
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := users.UpdateSecuritySettings(c.Request.Context(), userID, req); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			httputil.NotFoundError(c, "用戶不存在")
			return
		}
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.DataUpdated,
	})
}

// 查詢用戶公鑰摘要
func getKeyBundle(c *gin.Context) {
	userID := c.Param("user_id")

	bundle, err := svc.GetKeyBundle(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			httputil.NotFoundError(c, "用戶不存在")
			return
		}
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"data":    bundle,
	})
}

// 分配臨時密鑰
func issueEphemeralKey(c *gin.Context) {
	userID := c.Param("user_id")

	key, err := svc.IssueEphemeralKey(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			httputil.NotFoundError(c, "用戶不存在")
			return
		}
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(201, gin.H{
		"success": true,
		"message": httputil.DataCreated,
		"data": gin.H{
			"id":         key.ID,
			"expires_at": key.ExpiresAt,
		},
	})
}

// 附加臨時公鑰
func attachEphemeralPublicKey(c *gin.Context) {
	userID := c.Param("user_id")
	keyID := c.Param("key_id")

	var req struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	err := svc.AttachEphemeralPublicKey(c.Request.Context(), userID, keyID, req.PublicKey)
	if err != nil {
		switch {
		case errors.Is(err, crypto.ErrInvalidKey):
			httputil.BadRequest(c, "公鑰格式錯誤")
		case errors.Is(err, mongo.ErrNoDocuments):
			httputil.NotFoundError(c, "密鑰不存在或已使用")
		default:
			httputil.InternalServerError(c, err)
		}
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.DataUpdated,
	})
}

// 發送訊息
func sendMessage(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		SenderID       string `json:"sender_id"`
		RecipientID    string `json:"recipient_id"`
		Content        string `json:"content"`
		Type           string `json:"type"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := middleware.ValidateUserID(req.SenderID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := middleware.ValidateUserID(req.RecipientID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	msg, err := svc.SendMessage(c.Request.Context(), req.SenderID, req.RecipientID, req.ConversationID, []byte(req.Content), req.Type)
	if err != nil {
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			httputil.NotFoundError(c, "用戶不存在")
		case errors.Is(err, keymanager.ErrNoUsableKey):
			httputil.Conflict(c, "接收方沒有可用的加密密鑰")
		case errors.Is(err, messaging.ErrSenderNotVerified):
			httputil.Forbidden(c, "接收方要求通過身份驗證的發送方")
		case errors.Is(err, crypto.ErrInvalidInput):
			httputil.BadRequest(c, "訊息內容不合法")
		default:
			httputil.InternalServerError(c, err)
		}
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.DataCreated,
		"data": gin.H{
			"id":               msg.ID,
			"conversation_id":  msg.ConversationID,
			"sender_id":        msg.SenderID,
			"recipient_id":     msg.RecipientID,
			"ephemeral_key_id": msg.EphemeralKeyID,
			"message_type":     msg.MessageType,
			"timestamp":        msg.Timestamp,
			"disappear_at":     msg.DisappearAt,
		},
	})
}

// 獲取會話訊息
func getMessages(c *gin.Context) {
	conversationID := c.Query("conversation_id")
	limitStr := c.Query("limit")
	cursor := c.Query("cursor")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	limit := 0
	if limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil {
			limit = parsed
		}
	}

	messages, nextCursor, hasMore, err := svc.ListByConversation(c.Request.Context(), conversationID, limit, cursor)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success":     true,
		"message":     httputil.DataRetrieved,
		"data":        messages,
		"next_cursor": nextCursor,
		"has_more":    hasMore,
	})
}

// 獲取未送達訊息
func getUndeliveredMessages(c *gin.Context) {
	recipientID := c.Query("recipient_id")
	limitStr := c.Query("limit")

	if err := middleware.ValidateUserID(recipientID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	limit := 0
	if limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil {
			limit = parsed
		}
	}

	messages, err := svc.ListUndelivered(c.Request.Context(), recipientID, limit)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.DataRetrieved,
		"data":    messages,
	})
}

// 標記訊息已送達
func markDelivered(c *gin.Context) {
	messageID := c.Param("message_id")

	if err := svc.AckDelivered(c.Request.Context(), messageID); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			httputil.NotFoundError(c, "訊息不存在")
			return
		}
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.DataUpdated,
	})
}

// 標記會話已讀
func markConversationRead(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	var req struct {
		RecipientID string `json:"recipient_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := middleware.ValidateUserID(req.RecipientID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	count, err := svc.AckRead(c.Request.Context(), conversationID, req.RecipientID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			httputil.NotFoundError(c, "用戶不存在")
			return
		}
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(200, httputil.SuccessWithCount(httputil.DataUpdated, count))
}
