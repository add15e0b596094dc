package handler

import (
	"fmt"
	"net/http"

	"cvforge-go/internal/model"
	"cvforge-go/internal/service"
	"cvforge-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ProfileHandler 负责用户画像的读写与索引触发。
type ProfileHandler struct {
	profileService service.ProfileService
}

// NewProfileHandler 创建一个新的 ProfileHandler 实例。
func NewProfileHandler(profileService service.ProfileService) *ProfileHandler {
	return &ProfileHandler{profileService: profileService}
}

// Get 返回当前用户的画像。
func (h *ProfileHandler) Get(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证用户"})
		return
	}

	profile, err := h.profileService.Get(c.Request.Context(), fmt.Sprintf("%d", user.ID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": profile, "message": "success"})
}

// Save 创建或更新当前用户的画像，并异步触发索引重建。
func (h *ProfileHandler) Save(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证用户"})
		return
	}

	var profile model.Profile
	if err := c.ShouldBindJSON(&profile); err != nil {
		log.Warnf("SaveProfile: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的画像数据",
		})
		return
	}
	profile.UserID = fmt.Sprintf("%d", user.ID)

	if err := h.profileService.Save(c.Request.Context(), &profile); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "画像保存成功"})
}

// Reindex 同步重建当前用户的画像索引。
func (h *ProfileHandler) Reindex(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证用户"})
		return
	}

	count, err := h.profileService.Reindex(c.Request.Context(), fmt.Sprintf("%d", user.ID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"data":    gin.H{"chunks": count},
		"message": "索引重建完成",
	})
}

// ReindexAsync 把索引重建任务投递到消息队列后立即返回。
func (h *ProfileHandler) ReindexAsync(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证用户"})
		return
	}

	if err := h.profileService.ReindexAsync(c.Request.Context(), fmt.Sprintf("%d", user.ID), "manual reindex"); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "索引任务已提交"})
}
