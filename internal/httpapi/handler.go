// Package httpapi exposes HTTP and WebSocket introspection over a running
// Membership, plus one endpoint that triggers a graceful leave, adapted from the teacher's gin-based API handler
// (internal/api/handler.go): same router-group shape and WebSocket
// heartbeat-ticker pattern, repurposed to report cluster membership instead
// of key-value/replication state.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nimbus-cluster/membership"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves cluster introspection endpoints over a Membership instance.
type Handler struct {
	m *membership.Membership
}

func NewHandler(m *membership.Membership) *Handler {
	return &Handler{m: m}
}

// Register wires the handler's routes onto an existing gin engine, under
// /api/v1 plus a bare /ws, mirroring the teacher's route group layout.
func (h *Handler) Register(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", h.GetStatus)
		v1.GET("/members", h.GetMembers)
		v1.POST("/leave", h.Leave)
	}
	router.GET("/ws", h.WebSocketHandler)
}

// GetStatus reports this node's own record and the current Unix timestamp.
func (h *Handler) GetStatus(c *gin.Context) {
	local := h.m.Local()
	c.JSON(http.StatusOK, gin.H{
		"node":      nodeJSON(local),
		"timestamp": time.Now().Unix(),
	})
}

// GetMembers reports every known node's current record.
func (h *Handler) GetMembers(c *gin.Context) {
	members := h.m.Members()
	out := make([]gin.H, 0, len(members))
	for _, rec := range members {
		out = append(out, nodeJSON(rec))
	}
	c.JSON(http.StatusOK, gin.H{"members": out, "count": len(out)})
}

// Leave triggers a graceful departure announcement.
func (h *Handler) Leave(c *gin.Context) {
	if err := h.m.Leave(2 * time.Second); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "leave announced"})
}

func nodeJSON(rec membership.NodeRecord) gin.H {
	return gin.H{
		"id":          string(rec.Id),
		"addr":        rec.Addr.String(),
		"state":       rec.State.String(),
		"incarnation": rec.Incarnation,
	}
}

// WebSocketHandler streams the member list as a periodic heartbeat, the same
// upgrade-then-ticker shape as the teacher's WebSocketHandler.
func (h *Handler) WebSocketHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	send := func(msgType string) error {
		members := h.m.Members()
		out := make([]gin.H, 0, len(members))
		for _, rec := range members {
			out = append(out, nodeJSON(rec))
		}
		return conn.WriteJSON(gin.H{
			"type":      msgType,
			"timestamp": time.Now().Unix(),
			"members":   out,
		})
	}

	if err := send("member_list"); err != nil {
		return
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := send("heartbeat"); err != nil {
			return
		}
	}
}
