package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"cvforge-go/internal/model"
	"cvforge-go/internal/service"
	"cvforge-go/pkg/log"
	"cvforge-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// AgentHandler 负责简历对话代理的 HTTP 和 WebSocket 入口。
type AgentHandler struct {
	agentService        service.AgentService
	conversationService service.ConversationService
	jwtManager          *token.JWTManager
}

// NewAgentHandler 创建一个新的 AgentHandler。
func NewAgentHandler(agentService service.AgentService, conversationService service.ConversationService, jwtManager *token.JWTManager) *AgentHandler {
	return &AgentHandler{
		agentService:        agentService,
		conversationService: conversationService,
		jwtManager:          jwtManager,
	}
}

// Chat 处理一轮对话请求。
func (h *AgentHandler) Chat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Chat: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的请求负载：user_id 和 message 不能为空",
		})
		return
	}

	// 认证用户优先于请求体里的 user_id
	if user := currentUser(c); user != nil {
		req.UserID = fmt.Sprintf("%d", user.ID)
	}

	resp, err := h.agentService.Chat(c.Request.Context(), &req)
	if err != nil {
		log.Errorf("Chat: 对话处理失败, user: %s, error: %v", req.UserID, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": resp, "message": "success"})
}

// ListConversations 返回当前用户的会话列表。
func (h *AgentHandler) ListConversations(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证用户"})
		return
	}

	conversations, err := h.conversationService.ListByUser(c.Request.Context(), fmt.Sprintf("%d", user.ID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": conversations, "message": "success"})
}

// GetConversation 返回单个会话的完整状态。
func (h *AgentHandler) GetConversation(c *gin.Context) {
	conversationID := c.Param("id")
	conv, err := h.conversationService.Get(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}

	// 会话只对属主可见
	if user := currentUser(c); user != nil && conv.UserID != fmt.Sprintf("%d", user.ID) {
		c.JSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "无权访问该会话"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": conv, "message": "success"})
}

// HandleWS 处理一个传入的 WebSocket 对话连接。
// 客户端每发送一条 JSON 请求，服务端回写一条 JSON 响应。
func (h *AgentHandler) HandleWS(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，用户: %s", claims.Username)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		var req model.ChatRequest
		if err := json.Unmarshal(message, &req); err != nil {
			// 非 JSON 输入按纯文本消息处理
			req = model.ChatRequest{Message: string(message)}
		}
		req.UserID = fmt.Sprintf("%d", claims.UserID)

		resp, err := h.agentService.Chat(c.Request.Context(), &req)
		if err != nil {
			log.Errorf("WebSocket 对话处理失败: %v", err)
			errResp := map[string]string{"error": "服务暂时不可用，请稍后重试"}
			b, _ := json.Marshal(errResp)
			_ = conn.WriteMessage(websocket.TextMessage, b)
			continue
		}

		b, err := json.Marshal(resp)
		if err != nil {
			log.Errorf("序列化响应失败: %v", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Warnf("向 WebSocket 写入消息失败: %v", err)
			break
		}
	}
}

// currentUser 取出 AuthMiddleware 注入的用户对象，没有则返回 nil。
func currentUser(c *gin.Context) *model.User {
	value, exists := c.Get("user")
	if !exists {
		return nil
	}
	user, ok := value.(*model.User)
	if !ok {
		return nil
	}
	return user
}
