package websocket

import (
	"net/http"

	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Mobile clients connect from app webviews; origin is not meaningful
		return true
	},
}

// ServeWS upgrades an authenticated request to a session. The caller's
// middleware must have resolved role and id into the gin context.
func ServeWS(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		roleStr := c.GetString("session_role")
		id := c.GetString("session_id")
		if id == "" || (roleStr != string(RoleDriver) && roleStr != string(RolePassenger)) {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "session identity required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(hub, conn, Role(roleStr), id)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	}
}
