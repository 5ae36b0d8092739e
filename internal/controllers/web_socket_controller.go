package controllers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"wasteops/internal/hub"
	"wasteops/internal/middleware"
	"wasteops/internal/models"
	"wasteops/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 64
)

// upgrader configures the WebSocket connection.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from other origins
	},
}

var streamCollections = map[string]bool{
	store.FeederPoints:     true,
	store.Workers:          true,
	store.TripSessions:     true,
	store.WorkerAttendance: true,
}

// visibleTo limits drivers to their own trips and attendance.
func visibleTo(claims *middleware.Claims) hub.Filter {
	if claims.Role != middleware.RoleDriver {
		return nil
	}
	return func(c hub.Change) bool {
		switch doc := c.Doc.(type) {
		case models.TripSession:
			return doc.DriverID == claims.Subject
		case models.AttendanceRecord:
			return doc.DriverID == claims.Subject
		}
		return true
	}
}

// ChangeStream upgrades to a websocket and streams committed changes.
// Auth is via ?token= since browsers cannot set headers on the handshake;
// ?collection= narrows the stream to one collection.
func (h *Handler) ChangeStream(c *gin.Context) {
	claims, err := h.Auth.ValidateToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return
	}
	collection := c.Query("collection")
	if collection != "" && !streamCollections[collection] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown collection", "code": "invalid_input"})
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"user_id":    claims.Subject,
		"role":       claims.Role,
		"collection": collection,
	})

	// subscribe before the handshake completes so no change after it is missed
	send := make(chan hub.Change, wsSendBuffer)
	unsubscribe := h.Store.Subscribe(collection, visibleTo(claims), func(ch hub.Change) {
		select {
		case send <- ch:
		default:
			log.WithField("id", ch.ID).Warn("Change stream client too slow, dropping event")
		}
	})

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		unsubscribe()
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	connLog := log.WithField("conn_ptr", fmt.Sprintf("%p", conn))
	connLog.Info("Change stream client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					connLog.WithError(err).Warn("Change stream read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		unsubscribe()
		conn.Close()
		connLog.Info("Change stream client disconnected")
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case ch := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ch); err != nil {
				connLog.WithError(err).Warn("Failed to send change to client")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
