package inapp

import (
	"net/http"

	"herald/internal/common"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handler upgrades in-app subscribers to websocket connections.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a handler. allowedOrigins empty accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
		},
	}
}

// Subscribe handles GET /ws/in-app?adminId=...
func (h *Handler) Subscribe(c *gin.Context) {
	adminID := c.Query("adminId")
	if adminID == "" {
		common.Error(c, http.StatusBadRequest, common.CodeValidation, "'adminId' query parameter is required")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		return
	}

	client := NewClient(adminID, conn)
	h.hub.Register(client)
	go client.WritePump()
	go func() {
		client.ReadPump()
		h.hub.Unregister(client)
	}()
}

// RegisterRoutes registers the websocket route.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws/in-app", h.Subscribe)
}
