package proxy

import (
	"errors"
	"net/http"
	"strconv"

	"chat-protocol-gateway/internal/approval"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func (s *Server) registerAdminRoutes(admin *gin.RouterGroup) {
	admin.GET("/usage", s.handleGetUsage)
	admin.GET("/logs", s.handleGetLogs)
	admin.DELETE("/logs", s.handleCleanupLogs)
	admin.GET("/approvals", s.handleListApprovals)
	admin.POST("/approvals/:id", s.handleResolveApproval)
}

func (s *Server) handleGetUsage(c *gin.Context) {
	c.JSON(http.StatusOK, s.recorder.Snapshot())
}

// handleGetLogs 分页查询请求日志，指定 request_id 时返回该请求的全部记录
func (s *Server) handleGetLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	failedOnly, _ := strconv.ParseBool(c.DefaultQuery("failed_only", "false"))

	if requestID := c.Query("request_id"); requestID != "" {
		logs, err := s.logger.GetAllLogsByRequestID(requestID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve logs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs, "total": len(logs)})
		return
	}

	logs, total, err := s.logger.GetLogs(limit, offset, failedOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": total})
}

// handleCleanupLogs 清理日志
func (s *Server) handleCleanupLogs(c *gin.Context) {
	var request struct {
		Days *int `json:"days" binding:"required,gte=0"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}

	deleted, err := s.logger.CleanupLogsByDays(*request.Days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("Request logs cleaned up", logrus.Fields{"days": *request.Days, "deleted": deleted})
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server) handleListApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled":  s.gate.Enabled(),
		"requests": s.gate.List(),
	})
}

// handleResolveApproval 批准或拒绝一个等待中的请求
func (s *Server) handleResolveApproval(c *gin.Context) {
	var request struct {
		Approve *bool `json:"approve" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}

	id := c.Param("id")
	if err := s.gate.Resolve(id, *request.Approve); err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "approval request not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "approved": *request.Approve})
}
