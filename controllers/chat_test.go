package controllers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"LocalGPT/middleware"
	"LocalGPT/models"
	"LocalGPT/pkg/cache"
	"LocalGPT/pkg/config"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Conversation{}, &models.Message{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedConversation(t *testing.T, db *gorm.DB) models.Conversation {
	t.Helper()
	user := models.User{Email: "a@b.c", Username: "tester"}
	if err := user.SetPassword("secret1"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	conv := models.Conversation{UserID: user.ID, Title: models.DefaultConversationTitle}
	if err := db.Create(&conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func chatRouter(db *gorm.DB) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserIDKey, "1")
		c.Next()
	})
	r.POST("/chat/stream", ChatStream(db))
	r.GET("/chat/history/:conversation_id", ChatHistory(db))
	return r
}

func fakeOllama(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
	prev := config.OllamaBaseURL
	config.OllamaBaseURL = srv.URL
	t.Cleanup(func() {
		config.OllamaBaseURL = prev
		srv.Close()
	})
	return srv
}

type multipartBody struct {
	buf bytes.Buffer
	w   *multipart.Writer
}

func newMultipart() *multipartBody {
	m := &multipartBody{}
	m.w = multipart.NewWriter(&m.buf)
	return m
}

func (m *multipartBody) field(name, value string) *multipartBody {
	m.w.WriteField(name, value)
	return m
}

func (m *multipartBody) file(t *testing.T, filename, mime string, content []byte) *multipartBody {
	t.Helper()
	h := make(map[string][]string)
	hdr := fmt.Sprintf(`form-data; name="files"; filename="%s"`, filename)
	h["Content-Disposition"] = []string{hdr}
	h["Content-Type"] = []string{mime}
	part, err := m.w.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	return m
}

func (m *multipartBody) request(t *testing.T, url string) *http.Request {
	t.Helper()
	if err := m.w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, url, &m.buf)
	req.Header.Set("Content-Type", m.w.FormDataContentType())
	return req
}

type sseEvent struct {
	Content string `json:"content"`
	Error   string `json:"error"`
	Done    bool   `json:"done"`
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestChatStreamRoundTrip(t *testing.T) {
	middleware.SetDuplicateTTL(0)
	db := testDB(t)
	conv := seedConversation(t, db)
	fakeOllama(t, []string{
		`{"message":{"content":"Hello"},"done":false}`,
		`{"message":{"content":" world"},"done":false}`,
		`{"done":true}`,
	})

	req := newMultipart().
		field("conversation_id", fmt.Sprint(conv.ID)).
		field("model", "llama3.2").
		field("message", "say hello").
		request(t, "/chat/stream")
	w := httptest.NewRecorder()
	chatRouter(db).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}

	events := parseSSE(t, w.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Content != "Hello" || events[1].Content != " world" {
		t.Fatalf("fragments out of order: %+v", events)
	}
	if !events[2].Done || events[2].Content != "" || events[2].Error != "" {
		t.Fatalf("bad terminal event: %+v", events[2])
	}

	var msgs []models.Message
	if err := db.Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user + assistant rows, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "say hello" {
		t.Fatalf("unexpected user row: %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "Hello world" {
		t.Fatalf("assistant row must equal the concatenated fragments: %+v", msgs[1])
	}
	if msgs[1].ModelName != "llama3.2" {
		t.Fatalf("assistant row missing model name: %+v", msgs[1])
	}
}

func TestChatStreamFailureKeepsUserRowOnly(t *testing.T) {
	middleware.SetDuplicateTTL(0)
	db := testDB(t)
	conv := seedConversation(t, db)
	fakeOllama(t, []string{
		`{"message":{"content":"partial"},"done":false}`,
		`{this line is not json`,
	})

	req := newMultipart().
		field("conversation_id", fmt.Sprint(conv.ID)).
		field("message", "trigger failure").
		request(t, "/chat/stream")
	w := httptest.NewRecorder()
	chatRouter(db).ServeHTTP(w, req)

	events := parseSSE(t, w.Body.String())
	last := events[len(events)-1]
	if !last.Done || last.Error == "" {
		t.Fatalf("expected terminal error event, got %+v", last)
	}

	var msgs []models.Message
	db.Order("id ASC").Find(&msgs)
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Fatalf("only the user row should survive a failed stream, got %+v", msgs)
	}
}

func TestChatStreamFailedTurnAllowsResubmit(t *testing.T) {
	middleware.SetDuplicateTTL(time.Minute)
	t.Cleanup(func() {
		middleware.SetDuplicateTTL(0)
		middleware.ClearDuplicate("1")
	})
	db := testDB(t)
	conv := seedConversation(t, db)
	fakeOllama(t, []string{`{broken`})
	r := chatRouter(db)

	post := func() *httptest.ResponseRecorder {
		req := newMultipart().
			field("conversation_id", fmt.Sprint(conv.ID)).
			field("message", "please retry me").
			request(t, "/chat/stream")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	first := post()
	events := parseSSE(t, first.Body.String())
	if len(events) == 0 || events[len(events)-1].Error == "" {
		t.Fatalf("expected the first turn to fail with an error event: %s", first.Body.String())
	}

	// a failed turn has no assistant reply; resubmitting the same text is
	// the sanctioned retry and must not be treated as a duplicate
	second := post()
	if second.Code == http.StatusTooManyRequests {
		t.Fatalf("retry after a failed stream was rejected as a duplicate")
	}
	events = parseSSE(t, second.Body.String())
	if len(events) == 0 || events[len(events)-1].Error == "" {
		t.Fatalf("expected the retry to reach the relay again: %s", second.Body.String())
	}

	// after a successful turn the guard arms as usual
	fakeOllama(t, []string{`{"message":{"content":"ok"},"done":false}`, `{"done":true}`})
	if third := post(); third.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d: %s", third.Code, third.Body.String())
	}
	if fourth := post(); fourth.Code != http.StatusTooManyRequests {
		t.Fatalf("expected duplicate of a completed turn to be rejected, got %d", fourth.Code)
	}
}

func TestChatStreamUnknownModel(t *testing.T) {
	middleware.SetDuplicateTTL(0)
	db := testDB(t)
	conv := seedConversation(t, db)

	req := newMultipart().
		field("conversation_id", fmt.Sprint(conv.ID)).
		field("model", "gpt-7-ultra").
		field("message", "hi").
		request(t, "/chat/stream")
	w := httptest.NewRecorder()
	chatRouter(db).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown model, got %d", w.Code)
	}
	var count int64
	db.Model(&models.Message{}).Count(&count)
	if count != 0 {
		t.Fatalf("nothing should be persisted on model rejection")
	}
}

func TestChatStreamEmptyTurn(t *testing.T) {
	middleware.SetDuplicateTTL(0)
	db := testDB(t)
	conv := seedConversation(t, db)

	req := newMultipart().
		field("conversation_id", fmt.Sprint(conv.ID)).
		field("message", "   ").
		request(t, "/chat/stream")
	w := httptest.NewRecorder()
	chatRouter(db).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty turn, got %d", w.Code)
	}
}

func TestChatStreamRejectedFileReportedInError(t *testing.T) {
	middleware.SetDuplicateTTL(0)
	db := testDB(t)
	conv := seedConversation(t, db)

	// the only file is unsupported and there is no typed text
	req := newMultipart().
		field("conversation_id", fmt.Sprint(conv.ID)).
		file(t, "tool.exe", "application/octet-stream", []byte("MZ")).
		request(t, "/chat/stream")
	w := httptest.NewRecorder()
	chatRouter(db).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tool.exe") {
		t.Fatalf("expected the rejected filename in the response: %s", w.Body.String())
	}
}

func TestChatStreamFoldsAttachmentTextIntoUserRow(t *testing.T) {
	middleware.SetDuplicateTTL(0)
	db := testDB(t)
	conv := seedConversation(t, db)
	fakeOllama(t, []string{
		`{"message":{"content":"summary"},"done":false}`,
		`{"done":true}`,
	})

	req := newMultipart().
		field("conversation_id", fmt.Sprint(conv.ID)).
		field("message", "summarize this").
		file(t, "notes.txt", "text/plain", []byte("meeting at noon")).
		request(t, "/chat/stream")
	w := httptest.NewRecorder()
	chatRouter(db).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var userRow models.Message
	if err := db.Where("role = ?", models.RoleUser).First(&userRow).Error; err != nil {
		t.Fatalf("load user row: %v", err)
	}
	if !strings.HasPrefix(userRow.Content, "summarize this") {
		t.Fatalf("typed text must lead the stored content: %q", userRow.Content)
	}
	if !strings.Contains(userRow.Content, "--- File: notes.txt ---") ||
		!strings.Contains(userRow.Content, "meeting at noon") {
		t.Fatalf("attachment text not folded into stored content: %q", userRow.Content)
	}
}

func TestChatStreamAutoTitlesConversation(t *testing.T) {
	middleware.SetDuplicateTTL(0)
	db := testDB(t)
	conv := seedConversation(t, db)
	fakeOllama(t, []string{`{"done":true}`})

	long := "this opening message is well beyond thirty characters long"
	req := newMultipart().
		field("conversation_id", fmt.Sprint(conv.ID)).
		field("message", long).
		request(t, "/chat/stream")
	w := httptest.NewRecorder()
	chatRouter(db).ServeHTTP(w, req)

	var got models.Conversation
	if err := db.First(&got, conv.ID).Error; err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if got.Title == models.DefaultConversationTitle {
		t.Fatalf("first message should retitle the conversation")
	}
	if !strings.HasSuffix(got.Title, "...") || len(got.Title) > 33 {
		t.Fatalf("expected truncated title, got %q", got.Title)
	}
}

func TestChatStreamConversationOwnership(t *testing.T) {
	middleware.SetDuplicateTTL(0)
	db := testDB(t)
	seedConversation(t, db) // user 1's conversation

	other := models.User{Email: "x@y.z", Username: "other"}
	other.SetPassword("secret2")
	db.Create(&other)
	foreign := models.Conversation{UserID: other.ID, Title: "theirs"}
	db.Create(&foreign)

	req := newMultipart().
		field("conversation_id", fmt.Sprint(foreign.ID)).
		field("message", "peek").
		request(t, "/chat/stream")
	w := httptest.NewRecorder()
	chatRouter(db).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's conversation, got %d", w.Code)
	}
}

func TestGetModelsFiltersByInstalledTags(t *testing.T) {
	// tags reports untagged pulls with a :latest suffix; the filter must
	// still match them to the catalog's bare IDs
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, `{"models":[{"name":"llama3.2:latest"},{"name":"mistral:latest"}]}`)
	}))
	defer srv.Close()
	prev := config.OllamaBaseURL
	config.OllamaBaseURL = srv.URL
	cache.Default().Delete(installedModelsCacheKey)
	t.Cleanup(func() {
		config.OllamaBaseURL = prev
		cache.Default().Delete(installedModelsCacheKey)
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/chat/models", GetModels())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chat/models", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Models []struct {
			ID string `json:"id"`
		} `json:"models"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		got = append(got, m.ID)
	}
	if len(got) != 2 || got[0] != "llama3.2" || got[1] != "mistral" {
		t.Fatalf("expected catalog narrowed to installed models, got %v", got)
	}
}

func TestChatHistoryOrdered(t *testing.T) {
	db := testDB(t)
	conv := seedConversation(t, db)
	for i, content := range []string{"one", "two", "three"} {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		db.Create(&models.Message{ConversationID: conv.ID, Role: role, Content: content})
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/chat/history/%d", conv.ID), nil)
	w := httptest.NewRecorder()
	chatRouter(db).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		ConversationID uint `json:"conversation_id"`
		Messages       []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(resp.Messages))
	}
	for i, want := range []string{"one", "two", "three"} {
		if resp.Messages[i].Content != want {
			t.Fatalf("message %d out of order: %+v", i, resp.Messages)
		}
	}
}

func TestChatHistoryNotFound(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db)

	req := httptest.NewRequest(http.MethodGet, "/chat/history/999", nil)
	w := httptest.NewRecorder()
	chatRouter(db).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
