package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"LocalGPT/middleware"
	"LocalGPT/models"
	"LocalGPT/pkg/config"
	"LocalGPT/pkg/convlock"
	svc "LocalGPT/pkg/services"
	"LocalGPT/pkg/utils"
)

// The server pings every wsPingInterval; the client's pongs push the read
// deadline forward, so wsReadWait only expires on a dead connection. Vars so
// tests can shorten them.
var (
	wsReadWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS handled at HTTP level; allow WS here
		return true
	},
}

type wsStartPayload struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	Model          string `json:"model"`
	ConversationID uint   `json:"conversation_id"`
}

// ChatWS is the websocket transport for the same turn pipeline ChatStream
// runs over SSE. Text-only turns (no attachments over this channel).
// Client protocol (JSON messages):
//
//	-> {type: "start", conversation_id: number, message: string, model?: string}
//	-> {type: "stop"}                       cancel an in-flight turn
//	<- {type: "user_saved", conversation_id: number}
//	<- {type: "delta", data: string}
//	<- {type: "done", ok: true, stopped?: true}
//	<- {type: "error", error: string}
//
// A stopped or dropped turn persists no assistant row, same as the SSE path.
func ChatWS(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Authenticate via ?token=JWT
		tokenStr := strings.TrimSpace(c.Query("token"))
		if tokenStr == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"msg": "missing token query"})
			return
		}
		userIDStr, _, err := middleware.ParseToken(tokenStr)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"msg": err.Error()})
			return
		}
		uid64, _ := strconv.ParseUint(userIDStr, 10, 64)
		uid := uint(uid64)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("[ws] upgrade error: %v", err)
			return
		}
		defer conn.Close()

		conn.SetReadLimit(1 << 20) // 1MB
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsReadWait))
		})

		// Keepalive pings; WriteControl is safe alongside WriteJSON.
		pingDone := make(chan struct{})
		defer close(pingDone)
		go func() {
			t := time.NewTicker(wsPingInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
						return
					}
				case <-pingDone:
					return
				}
			}
		}()

		// One turn per connection.
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[ws] read message error: %v", err)
			return
		}
		var start wsStartPayload
		if err := json.Unmarshal(msgBytes, &start); err != nil ||
			strings.ToLower(start.Type) != "start" || strings.TrimSpace(start.Message) == "" {
			_ = conn.WriteJSON(gin.H{"type": "error", "error": "invalid start payload"})
			return
		}

		model := strings.TrimSpace(start.Model)
		if model == "" {
			model = svc.DefaultModel
		}
		if !svc.IsKnownModel(model) {
			_ = conn.WriteJSON(gin.H{"type": "error", "error": "model " + model + " not available"})
			return
		}

		var conv models.Conversation
		if err := db.Where("id = ? AND user_id = ?", start.ConversationID, uid).First(&conv).Error; err != nil {
			_ = conn.WriteJSON(gin.H{"type": "error", "error": "conversation not found"})
			return
		}

		message := strings.TrimSpace(start.Message)
		turn := svc.Turn{Text: message}

		// A websocket turn does not queue behind an in-flight one; holding
		// the connection open while waiting would look like a hang.
		release, ok := convlock.TryAcquire(conv.ID)
		if !ok {
			_ = conn.WriteJSON(gin.H{"type": "error", "error": "conversation busy, a turn is already in flight"})
			return
		}
		defer release()

		history, err := loadHistory(db, conv.ID)
		if err != nil {
			_ = conn.WriteJSON(gin.H{"type": "error", "error": "db error"})
			return
		}

		if len(history) == 0 && (conv.Title == "" || conv.Title == models.DefaultConversationTitle) {
			if err := db.Model(&conv).Update("title", utils.TruncateTitle(message, 30)).Error; err != nil {
				log.Printf("[ws] title update failed for conversation %d: %v", conv.ID, err)
			}
		}

		// user turn persisted before dispatch, as on the SSE path
		userMsg := models.Message{ConversationID: conv.ID, Role: models.RoleUser, Content: turn.CombinedText()}
		if err := db.Create(&userMsg).Error; err != nil {
			_ = conn.WriteJSON(gin.H{"type": "error", "error": "failed to save message"})
			return
		}
		touchConversation(db, conv.ID)

		_ = conn.WriteJSON(gin.H{"type": "user_saved", "conversation_id": conv.ID})

		parentCtx, cancelTimeout := context.WithTimeout(c.Request.Context(),
			time.Duration(config.OllamaTimeoutSeconds)*time.Second)
		ctx, cancel := context.WithCancel(parentCtx)
		defer func() {
			cancel()
			cancelTimeout()
		}()

		// Reader goroutine listens for {type:"stop"} or a dropped connection;
		// either cancels the upstream read loop.
		stopCh := make(chan struct{})
		go func() {
			for {
				if err := conn.SetReadDeadline(time.Now().Add(wsReadWait)); err != nil {
					return
				}
				mt, msg, err := conn.ReadMessage()
				if err != nil {
					cancel()
					return
				}
				if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
					continue
				}
				var obj struct {
					Type string `json:"type"`
				}
				_ = json.Unmarshal(msg, &obj)
				if strings.ToLower(strings.TrimSpace(obj.Type)) == "stop" {
					select {
					case <-stopCh:
					default:
						close(stopCh)
					}
					cancel()
					return
				}
			}
		}()

		isStopped := func() bool {
			select {
			case <-stopCh:
				return true
			default:
				return false
			}
		}

		submission := svc.BuildContext(history, turn, config.ContextWindowMessages)

		onDelta := func(chunk string) {
			if isStopped() {
				return
			}
			_ = conn.WriteJSON(gin.H{"type": "delta", "data": chunk})
		}

		full, err := svc.NewOllamaService().StreamChat(ctx, model, submission, onDelta)
		if err != nil {
			if errors.Is(parentCtx.Err(), context.DeadlineExceeded) {
				_ = conn.WriteJSON(gin.H{"type": "error", "error": "model response timed out"})
				return
			}
			if isStopped() || ctx.Err() != nil {
				// cancellation: no assistant row, same as the SSE disconnect path
				_ = conn.WriteJSON(gin.H{"type": "done", "ok": true, "stopped": true})
				return
			}
			log.Printf("[ws] stream failed (conversation %d): %v", conv.ID, err)
			_ = conn.WriteJSON(gin.H{"type": "error", "error": err.Error()})
			return
		}

		asstMsg := models.Message{ConversationID: conv.ID, Role: models.RoleAssistant, Content: full, ModelName: model}
		if err := db.Create(&asstMsg).Error; err != nil {
			log.Printf("[ws] failed to save assistant reply (conversation %d): %v", conv.ID, err)
			_ = conn.WriteJSON(gin.H{"type": "error", "error": "failed to save reply"})
			return
		}
		touchConversation(db, conv.ID)

		_ = conn.WriteJSON(gin.H{"type": "done", "ok": true})
	}
}
