package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"LocalGPT/middleware"
	"LocalGPT/models"
	"LocalGPT/pkg/cache"
	"LocalGPT/pkg/config"
	"LocalGPT/pkg/convlock"
	svc "LocalGPT/pkg/services"
	"LocalGPT/pkg/utils"
)

const installedModelsCacheKey = "ollama:installed-models"

// GetModels returns the static model catalog plus the default id. When the
// Ollama server is reachable the catalog is narrowed to models actually
// installed (cached briefly); otherwise the full catalog is returned.
func GetModels() gin.HandlerFunc {
	return func(c *gin.Context) {
		catalog := svc.AvailableModels

		var installed []string
		if v, ok := cache.Default().Get(installedModelsCacheKey); ok {
			installed, _ = v.([]string)
		} else {
			names, err := svc.NewOllamaService().ListInstalledModels(c.Request.Context())
			if err != nil {
				log.Printf("[chat] could not list installed models: %v", err)
			} else {
				installed = names
				cache.Default().Set(installedModelsCacheKey, names,
					time.Duration(config.ModelCacheTTLSeconds)*time.Second)
			}
		}

		if len(installed) > 0 {
			// tags reports untagged pulls as "name:latest"; the catalog
			// holds the bare name, so index both forms
			have := make(map[string]bool, len(installed))
			for _, n := range installed {
				have[n] = true
				have[strings.TrimSuffix(n, ":latest")] = true
			}
			filtered := make([]svc.ModelInfo, 0, len(catalog))
			for _, m := range catalog {
				if have[m.ID] {
					filtered = append(filtered, m)
				}
			}
			if len(filtered) > 0 {
				catalog = filtered
			}
		}

		c.JSON(http.StatusOK, gin.H{"models": catalog, "default": svc.DefaultModel})
	}
}

// ChatHistory returns the full ordered message list for a conversation.
func ChatHistory(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := currentUserID(c)

		cid, err := strconv.Atoi(c.Param("conversation_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid conversation id"})
			return
		}

		var conv models.Conversation
		if err := db.Where("id = ? AND user_id = ?", cid, uid).First(&conv).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"msg": "conversation not found"})
			return
		}

		msgs, err := loadHistory(db, conv.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "db error"})
			return
		}

		out := make([]gin.H, 0, len(msgs))
		for _, m := range msgs {
			entry := gin.H{
				"id":         m.ID,
				"role":       m.Role,
				"content":    m.Content,
				"created_at": m.CreatedAt,
			}
			if m.ModelName != "" {
				entry["model"] = m.ModelName
			}
			out = append(out, entry)
		}
		c.JSON(http.StatusOK, gin.H{"conversation_id": conv.ID, "messages": out})
	}
}

// ChatStream handles one turn: normalize attachments, persist the user
// message, assemble the context, relay the Ollama token stream to the client
// as SSE, and persist the assistant reply once the stream completes.
//
// Client events (each "data: <json>\n\n"):
//   - {"content": chunk, "done": false}  one per fragment, in arrival order
//   - {"content": "", "done": true}      terminal success
//   - {"error": reason, "done": true}    terminal failure
func ChatStream(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.String(http.StatusInternalServerError, "streaming unsupported")
			return
		}

		uidStr := currentUserIDString(c)
		uid := currentUserID(c)

		cid, err := strconv.Atoi(c.PostForm("conversation_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "conversation_id is required"})
			return
		}

		model := strings.TrimSpace(c.PostForm("model"))
		if model == "" {
			model = svc.DefaultModel
		}
		if !svc.IsKnownModel(model) {
			c.JSON(http.StatusBadRequest, gin.H{"msg": fmt.Sprintf("model %s not available", model)})
			return
		}

		message := strings.TrimSpace(c.PostForm("message"))

		attachments, fileErrors := normalizeUploads(c)
		turn := svc.Turn{Text: message, Attachments: attachments}

		// A turn needs something to send: typed text, extracted text, or an
		// image. A lone rejected file is a request-level failure.
		if message == "" && len(attachments) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "message or a valid attachment is required", "file_errors": fileErrors})
			return
		}

		if message != "" && !middleware.DuplicateGuard(uidStr, message) {
			c.JSON(http.StatusTooManyRequests, gin.H{"msg": "duplicate message, please wait"})
			return
		}

		var conv models.Conversation
		if err := db.Where("id = ? AND user_id = ?", cid, uid).First(&conv).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"msg": "conversation not found"})
			return
		}

		// One turn at a time per conversation, so concurrent submissions
		// cannot interleave history reads and writes.
		release := convlock.Acquire(conv.ID)
		defer release()

		history, err := loadHistory(db, conv.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "db error"})
			return
		}

		if len(history) == 0 && message != "" &&
			(conv.Title == "" || conv.Title == models.DefaultConversationTitle) {
			title := utils.TruncateTitle(message, 30)
			if err := db.Model(&conv).Update("title", title).Error; err != nil {
				log.Printf("[chat] title update failed for conversation %d: %v", conv.ID, err)
			}
		}

		// The user turn is persisted before dispatch: a model-server outage
		// must never lose the user's input. Failure here aborts the turn
		// before any stream is opened.
		userMsg := models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleUser,
			Content:        turn.CombinedText(),
		}
		if err := db.Create(&userMsg).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "failed to save message"})
			return
		}
		touchConversation(db, conv.ID)

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no") // nginx buffering off

		ctx, cancel := context.WithTimeout(c.Request.Context(),
			time.Duration(config.OllamaTimeoutSeconds)*time.Second)
		defer cancel()

		submission := svc.BuildContext(history, turn, config.ContextWindowMessages)

		var forwarded strings.Builder
		onDelta := func(chunk string) {
			writeSSE(c.Writer, flusher, gin.H{"content": chunk, "done": false})
			forwarded.WriteString(chunk)
		}

		_, err = svc.NewOllamaService().StreamChat(ctx, model, submission, onDelta)
		if err != nil {
			// the turn has no assistant reply; let the client resubmit the
			// same text without tripping the duplicate guard
			if message != "" {
				middleware.ClearDuplicate(uidStr)
			}
			if c.Request.Context().Err() != nil {
				// client went away: stop quietly, persist nothing
				log.Printf("[chat] client disconnected mid-stream (conversation %d)", conv.ID)
				return
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("model response timed out after %ds", config.OllamaTimeoutSeconds)
			}
			log.Printf("[chat] stream failed (conversation %d): %v", conv.ID, err)
			writeSSE(c.Writer, flusher, gin.H{"error": err.Error(), "done": true})
			return
		}

		// Stored content is exactly the concatenation of forwarded fragments.
		asstMsg := models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleAssistant,
			Content:        forwarded.String(),
			ModelName:      model,
		}
		if err := db.Create(&asstMsg).Error; err != nil {
			log.Printf("[chat] failed to save assistant reply (conversation %d): %v", conv.ID, err)
			if message != "" {
				middleware.ClearDuplicate(uidStr)
			}
			writeSSE(c.Writer, flusher, gin.H{"error": "failed to save reply", "done": true})
			return
		}
		touchConversation(db, conv.ID)

		writeSSE(c.Writer, flusher, gin.H{"content": "", "done": true})
	}
}

func writeSSE(w io.Writer, flusher http.Flusher, payload gin.H) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// normalizeUploads runs every uploaded file through the normalizer. A failed
// file is reported and skipped; its siblings still go through.
func normalizeUploads(c *gin.Context) ([]svc.Attachment, []gin.H) {
	form, err := c.MultipartForm()
	if err != nil || form == nil {
		return nil, nil
	}

	var attachments []svc.Attachment
	var fileErrors []gin.H
	for _, fh := range form.File["files"] {
		att, err := readAndProcess(fh)
		if err != nil {
			log.Printf("[chat] attachment %s rejected: %v", fh.Filename, err)
			fileErrors = append(fileErrors, gin.H{"filename": fh.Filename, "error": err.Error()})
			continue
		}
		attachments = append(attachments, att)
	}
	return attachments, fileErrors
}

func readAndProcess(fh *multipart.FileHeader) (svc.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return svc.Attachment{}, err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return svc.Attachment{}, err
	}
	return svc.ProcessFile(content, fh.Filename, fh.Header.Get("Content-Type"))
}

func loadHistory(db *gorm.DB, conversationID uint) ([]models.Message, error) {
	var msgs []models.Message
	err := db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	return msgs, err
}

func touchConversation(db *gorm.DB, conversationID uint) {
	if err := db.Model(&models.Conversation{}).Where("id = ?", conversationID).
		Update("updated_at", time.Now()).Error; err != nil {
		log.Printf("[chat] failed to touch conversation %d: %v", conversationID, err)
	}
}

func currentUserIDString(c *gin.Context) string {
	raw, _ := c.Get(middleware.ContextUserIDKey)
	s, _ := raw.(string)
	return s
}

func currentUserID(c *gin.Context) uint {
	uid, _ := strconv.ParseUint(currentUserIDString(c), 10, 64)
	return uint(uid)
}
