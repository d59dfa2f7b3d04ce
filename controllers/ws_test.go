package controllers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"LocalGPT/models"
	"LocalGPT/pkg/config"
)

type wsEvent struct {
	Type           string `json:"type"`
	Data           string `json:"data"`
	Error          string `json:"error"`
	OK             bool   `json:"ok"`
	Stopped        bool   `json:"stopped"`
	ConversationID uint   `json:"conversation_id"`
}

func wsTestToken(t *testing.T) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "1",
		"exp": time.Now().Add(time.Hour).Unix(),
		"jti": uuid.NewString(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.JWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

// shortenWSKeepalive tightens the read deadline so a spuriously canceled
// stream shows up within a test run instead of after a minute.
func shortenWSKeepalive(t *testing.T) {
	t.Helper()
	prevWait, prevPing := wsReadWait, wsPingInterval
	wsReadWait = 250 * time.Millisecond
	wsPingInterval = 80 * time.Millisecond
	t.Cleanup(func() {
		wsReadWait = prevWait
		wsPingInterval = prevPing
	})
}

func wsDial(t *testing.T, db *gorm.DB) (*websocket.Conn, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/chat", ChatWS(db))
	srv := httptest.NewServer(r)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat?token=" + wsTestToken(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestChatWSStreamOutlivesReadDeadline(t *testing.T) {
	prev := config.JWTSecret
	config.JWTSecret = "ws-secret"
	t.Cleanup(func() { config.JWTSecret = prev })
	shortenWSKeepalive(t)

	db := testDB(t)
	conv := seedConversation(t, db)

	// the stream trickles fragments for several multiples of the read
	// deadline; server pings must keep the connection alive throughout
	fragments := []string{"The", " slow", " but", " steady", " reply."}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, f := range fragments {
			fmt.Fprintf(w, `{"message":{"content":%q},"done":false}`+"\n", f)
			flusher.Flush()
			time.Sleep(120 * time.Millisecond)
		}
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer srv.Close()
	prevURL := config.OllamaBaseURL
	config.OllamaBaseURL = srv.URL
	t.Cleanup(func() { config.OllamaBaseURL = prevURL })

	conn, closeAll := wsDial(t, db)
	defer closeAll()

	if err := conn.WriteJSON(map[string]any{
		"type": "start", "conversation_id": conv.ID, "message": "tell me slowly", "model": "llama3.2",
	}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	var deltas strings.Builder
	var done wsEvent
	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v (got so far %q)", err, deltas.String())
		}
		switch ev.Type {
		case "user_saved":
		case "delta":
			deltas.WriteString(ev.Data)
		case "done":
			done = ev
		case "error":
			t.Fatalf("unexpected error event: %q", ev.Error)
		}
		if ev.Type == "done" {
			break
		}
	}

	if done.Stopped {
		t.Fatalf("stream wrongly reported stopped while the model was still producing")
	}
	want := strings.Join(fragments, "")
	if deltas.String() != want {
		t.Fatalf("expected %q forwarded, got %q", want, deltas.String())
	}

	var asst models.Message
	if err := db.Where("role = ?", models.RoleAssistant).First(&asst).Error; err != nil {
		t.Fatalf("assistant row missing: %v", err)
	}
	if asst.Content != want || asst.ModelName != "llama3.2" {
		t.Fatalf("unexpected assistant row: %+v", asst)
	}
}

func TestChatWSStopPersistsNoAssistantRow(t *testing.T) {
	prev := config.JWTSecret
	config.JWTSecret = "ws-secret"
	t.Cleanup(func() { config.JWTSecret = prev })
	shortenWSKeepalive(t)

	db := testDB(t)
	conv := seedConversation(t, db)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
		w.(http.Flusher).Flush()
		// hold the stream open until the relay cancels the request
		<-r.Context().Done()
	}))
	defer srv.Close()
	prevURL := config.OllamaBaseURL
	config.OllamaBaseURL = srv.URL
	t.Cleanup(func() { config.OllamaBaseURL = prevURL })

	conn, closeAll := wsDial(t, db)
	defer closeAll()

	if err := conn.WriteJSON(map[string]any{
		"type": "start", "conversation_id": conv.ID, "message": "never mind", "model": "llama3.2",
	}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	var done wsEvent
	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.Type == "delta" {
			if err := conn.WriteJSON(map[string]any{"type": "stop"}); err != nil {
				t.Fatalf("write stop: %v", err)
			}
		}
		if ev.Type == "error" {
			t.Fatalf("unexpected error event: %q", ev.Error)
		}
		if ev.Type == "done" {
			done = ev
			break
		}
	}

	if !done.Stopped {
		t.Fatalf("expected done event to report the stop, got %+v", done)
	}

	var count int64
	db.Model(&models.Message{}).Where("role = ?", models.RoleAssistant).Count(&count)
	if count != 0 {
		t.Fatalf("stopped turn must not persist an assistant row")
	}
	var user models.Message
	if err := db.Where("role = ?", models.RoleUser).First(&user).Error; err != nil {
		t.Fatalf("user row must survive the stop: %v", err)
	}
}
