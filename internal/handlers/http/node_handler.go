package http

import (
	"context"
	"net/http"
	"net/netip"
	"strings"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/services"
	"lanlink/internal/infrastructure/monitoring"
	"lanlink/pkg/errors"
	"lanlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// PeerService is the discovery surface exposed over HTTP.
type PeerService interface {
	CurrentPeers() []domain.Peer
	Lookup(addr netip.Addr) (domain.Peer, bool)
	StateVersion() uint64
	ProbeOne(ctx context.Context, addr netip.Addr) (domain.Peer, bool, error)
}

// CallController places and ends calls and sends messages.
type CallController interface {
	Dial(ctx context.Context, addr netip.Addr) (services.CallInfo, error)
	HangUp(ctx context.Context) error
	SendMessage(ctx context.Context, addr netip.Addr, text string) (bool, error)
	ActiveCall() (services.CallInfo, bool)
}

// StreamStatser reports outgoing media statistics.
type StreamStatser interface {
	Stats() []domain.StreamStats
}

type NodeHandler struct {
	peers   PeerService
	calls   CallController
	streams StreamStatser
	health  *monitoring.HealthChecker
	events  http.Handler
	metrics http.Handler
}

// NewNodeHandler builds the admin API. events and metrics may be nil to
// leave those routes out.
func NewNodeHandler(
	peers PeerService,
	calls CallController,
	streams StreamStatser,
	health *monitoring.HealthChecker,
	events http.Handler,
	metrics http.Handler,
) *NodeHandler {
	return &NodeHandler{
		peers:   peers,
		calls:   calls,
		streams: streams,
		health:  health,
		events:  events,
		metrics: metrics,
	}
}

func (h *NodeHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/peers", h.ListPeers)
		api.GET("/peers/version", h.PeersVersion)
		api.GET("/peers/:addr", h.GetPeer)
		api.POST("/peers/probe", h.ProbePeer)

		api.GET("/calls", h.GetCall)
		api.POST("/calls", h.StartCall)
		api.DELETE("/calls", h.EndCall)

		api.POST("/messages", h.SendMessage)

		if h.events != nil {
			api.GET("/events", gin.WrapH(h.events))
		}
	}
}

type AddressRequest struct {
	Address string `json:"address" binding:"required,max=64"`
}

type MessageRequest struct {
	Address string `json:"address" binding:"required,max=64"`
	Text    string `json:"text" binding:"required"`
}

func (h *NodeHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *NodeHandler) ListPeers(c *gin.Context) {
	peers := h.peers.CurrentPeers()

	if filter := strings.ToLower(c.Query("status")); filter != "" {
		filtered := make([]domain.Peer, 0, len(peers))
		for _, p := range peers {
			if string(p.Status) == filter {
				filtered = append(filtered, p)
			}
		}
		peers = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"peers":   peers,
		"count":   len(peers),
		"version": h.peers.StateVersion(),
	})
}

func (h *NodeHandler) PeersVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": h.peers.StateVersion()})
}

func (h *NodeHandler) GetPeer(c *gin.Context) {
	addr, err := validation.ValidatePeerAddress(c.Param("addr"))
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	peer, ok := h.peers.Lookup(addr)
	if !ok {
		c.Error(errors.NewNotFoundError("peer"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"peer": peer})
}

// ProbePeer checks one address synchronously and reports what it found.
func (h *NodeHandler) ProbePeer(c *gin.Context) {
	var req AddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	addr, err := validation.ValidatePeerAddress(req.Address)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	peer, found, err := h.peers.ProbeOne(c.Request.Context(), addr)
	if err != nil {
		c.Error(err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"found": true, "peer": peer})
}

func (h *NodeHandler) GetCall(c *gin.Context) {
	call, active := h.calls.ActiveCall()
	if !active {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":  true,
		"call":    call,
		"streams": h.streams.Stats(),
	})
}

func (h *NodeHandler) StartCall(c *gin.Context) {
	var req AddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	addr, err := validation.ValidatePeerAddress(req.Address)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	call, err := h.calls.Dial(c.Request.Context(), addr)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call": call})
}

func (h *NodeHandler) EndCall(c *gin.Context) {
	if err := h.calls.HangUp(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *NodeHandler) SendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	addr, err := validation.ValidatePeerAddress(req.Address)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateMessageText(req.Text); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	delivered, err := h.calls.SendMessage(c.Request.Context(), addr, req.Text)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}
