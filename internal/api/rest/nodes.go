package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/auth"
	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/devices"
	"github.com/KevinKickass/OpenRemoteIO/internal/host"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
	"github.com/KevinKickass/OpenRemoteIO/internal/types"
)

const (
	defaultWaitTimeout = 5 * time.Second
	maxWaitTimeout     = 60 * time.Second
)

// Mask accepts 15, "15", "0x0F" and "0b00001111".
type Mask uint8

func (m *Mask) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return fmt.Errorf("invalid mask %s", b)
	}
	*m = Mask(v)
	return nil
}

// node resolves :id as node number or configured name.
func (s *Server) node(c *gin.Context) (*devices.Node, bool) {
	ref := c.Param("id")
	mgr := s.lm.NodeManager()

	if id, err := strconv.Atoi(ref); err == nil {
		if id < 0 || id > int(protocol.MaxNodeID) {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidNode, "invalid node id", ref))
			return nil, false
		}
		if n, ok := mgr.GetNode(protocol.NodeID(id)); ok {
			return n, true
		}
	} else if n, ok := mgr.GetNodeByName(ref); ok {
		return n, true
	}

	c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNodeNotFound, "node not found", ref))
	return nil, false
}

// writeError maps driver and bus errors onto API responses.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, types.CodeInternal
	switch {
	case errors.Is(err, host.ErrTimeout):
		status, code = http.StatusGatewayTimeout, types.CodeTimeout
	case errors.Is(err, host.ErrCancelled):
		status, code = http.StatusRequestTimeout, types.CodeTimeout
	case errors.Is(err, host.ErrNodeDead):
		status, code = http.StatusServiceUnavailable, types.CodeNodeDead
	case errors.Is(err, protocol.ErrUnsupportedCommand):
		status, code = http.StatusBadRequest, types.CodeUnsupported
	case errors.Is(err, protocol.ErrInvalidNodeID):
		status, code = http.StatusBadRequest, types.CodeInvalidNode
	case errors.Is(err, canbus.ErrNoAck), errors.Is(err, canbus.ErrBusBusy), errors.Is(err, canbus.ErrClosed):
		status, code = http.StatusBadGateway, types.CodeBusError
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, types.NewErrorResponse(code, err.Error(), nil))
}

func (s *Server) sendTimeout() time.Duration {
	if d := s.lm.Config().Host.SendTimeout; d > 0 {
		return d
	}
	return 100 * time.Millisecond
}

func (s *Server) sendCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.sendTimeout())
}

// GET /api/v1/nodes
func (s *Server) listNodes(c *gin.Context) {
	nodes := s.lm.NodeManager().ListNodes()

	response := make([]types.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		response = append(response, n.Info())
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes": response,
		"count": len(response),
	})
}

type channelView struct {
	Channel   int    `json:"channel"`
	Name      string `json:"name,omitempty"`
	Direction string `json:"direction,omitempty"`
	Level     bool   `json:"level"`
	Requested bool   `json:"requested"`
	Fault     bool   `json:"fault"`
}

type analogView struct {
	Index int     `json:"index"`
	Name  string  `json:"name,omitempty"`
	Raw   uint16  `json:"raw"`
	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`
}

// GET /api/v1/nodes/:id
func (s *Server) inspectNode(c *gin.Context) {
	n, ok := s.node(c)
	if !ok {
		return
	}
	view := n.Driver.State()

	channels := make([]channelView, protocol.Channels)
	for ch := range channels {
		channels[ch] = channelView{
			Channel:   ch,
			Level:     protocol.Bit(view.IO.InputMask, ch),
			Requested: protocol.Bit(view.IO.OutputMask, ch),
			Fault:     protocol.Bit(view.IO.FaultMask, ch),
		}
	}
	analog := make([]analogView, len(view.IO.Analog))
	for i, raw := range view.IO.Analog {
		analog[i] = analogView{Index: i, Raw: raw}
	}
	if n.Profile != nil {
		for _, def := range n.Profile.Channels {
			channels[def.Channel].Name = def.Name
			channels[def.Channel].Direction = string(def.Direction)
		}
		for _, def := range n.Profile.Analog {
			if def.Index < len(analog) {
				analog[def.Index].Name = def.Name
				analog[def.Index].Value, analog[def.Index].Unit, _ = n.Profile.Scale(def.Index, analog[def.Index].Raw)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"node":     n.Info(),
		"view":     view,
		"channels": channels,
		"analog":   analog,
	})
}

// POST /api/v1/nodes/:id/output
func (s *Server) setOutputs(c *gin.Context) {
	n, ok := s.node(c)
	if !ok {
		return
	}
	var req struct {
		Mask *Mask `json:"mask" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, "invalid request body", err.Error()))
		return
	}

	ctx, cancel := s.sendCtx(c)
	defer cancel()
	if err := n.Driver.SetOutputs(ctx, uint8(*req.Mask)); err != nil {
		s.writeError(c, err)
		return
	}

	s.logger.Info("Outputs set",
		zap.Uint8("node_id", uint8(n.ID)),
		zap.Uint8("mask", uint8(*req.Mask)),
		zap.String("by", auth.Subject(c)))

	c.JSON(http.StatusAccepted, gin.H{
		"node_id":   n.ID,
		"requested": fmt.Sprintf("0x%02X", uint8(*req.Mask)),
	})
}

// POST /api/v1/nodes/:id/pins/:ch
func (s *Server) writePin(c *gin.Context) {
	n, ok := s.node(c)
	if !ok {
		return
	}
	ch, err := n.Channel(c.Param("ch"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, err.Error(), nil))
		return
	}
	var req struct {
		Level *bool `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, "invalid request body", err.Error()))
		return
	}

	pin, err := n.Driver.Pin(ch)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, err.Error(), nil))
		return
	}
	ctx, cancel := s.sendCtx(c)
	defer cancel()
	if err := pin.Write(ctx, *req.Level); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"node_id":   n.ID,
		"channel":   ch,
		"level":     *req.Level,
		"requested": fmt.Sprintf("0x%02X", n.Driver.State().IO.OutputMask),
	})
}

// POST /api/v1/nodes/:id/clear-errors
func (s *Server) clearErrors(c *gin.Context) {
	n, ok := s.node(c)
	if !ok {
		return
	}
	ctx, cancel := s.sendCtx(c)
	defer cancel()
	if err := n.Driver.ClearErrors(ctx); err != nil {
		s.writeError(c, err)
		return
	}

	s.logger.Info("Clear errors sent",
		zap.Uint8("node_id", uint8(n.ID)),
		zap.String("by", auth.Subject(c)))

	c.JSON(http.StatusAccepted, gin.H{"node_id": n.ID, "message": "clear errors sent"})
}

// POST /api/v1/nodes/:id/command
func (s *Server) sendCommand(c *gin.Context) {
	n, ok := s.node(c)
	if !ok {
		return
	}
	var req struct {
		Code     string `json:"code" binding:"required"`
		Argument uint32 `json:"argument"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, "invalid request body", err.Error()))
		return
	}
	code, err := protocol.ParseCommandCode(req.Code)
	if err != nil {
		s.writeError(c, err)
		return
	}

	ctx, cancel := s.sendCtx(c)
	defer cancel()
	if err := n.Driver.Command(ctx, code, req.Argument); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"node_id":  n.ID,
		"code":     code.String(),
		"argument": req.Argument,
	})
}

// POST /api/v1/nodes/:id/wait-edge
func (s *Server) waitEdge(c *gin.Context) {
	n, ok := s.node(c)
	if !ok {
		return
	}
	var req struct {
		Channel   string `json:"channel" binding:"required"`
		Edge      string `json:"edge"`
		TimeoutMS int    `json:"timeout_ms"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, "invalid request body", err.Error()))
		return
	}
	ch, err := n.Channel(req.Channel)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, err.Error(), nil))
		return
	}
	if req.Edge == "" {
		req.Edge = "any"
	}
	edge, err := host.ParseEdgeKind(req.Edge)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, err.Error(), nil))
		return
	}
	timeout := defaultWaitTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	ev, err := n.Driver.WaitEdge(c.Request.Context(), ch, edge, timeout)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}
