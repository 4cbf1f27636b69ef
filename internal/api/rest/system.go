package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
	"github.com/KevinKickass/OpenRemoteIO/internal/types"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}

// GET /api/v1/protocol
func (s *Server) getProtocol(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.Schema())
}

// GET /api/v1/frames?node=4&limit=50
func (s *Server) listFrames(c *gin.Context) {
	reader := s.lm.Frames()
	if reader == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeInternal, "frame journal disabled", nil))
		return
	}

	node := -1
	if v := c.Query("node"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > int(protocol.MaxNodeID) {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidNode, "invalid node", v))
			return
		}
		node = n
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	frames, err := reader.RecentFrames(c.Request.Context(), node, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "failed to query frames", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"frames": frames,
		"count":  len(frames),
	})
}
