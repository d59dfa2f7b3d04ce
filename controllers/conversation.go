package controllers

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"LocalGPT/models"
)

func CreateConversation(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := currentUserID(c)

		var body struct {
			Title string `json:"title"`
		}
		_ = c.ShouldBindJSON(&body)

		title := strings.TrimSpace(body.Title)
		if title == "" {
			title = models.DefaultConversationTitle
		}

		conv := models.Conversation{UserID: uid, Title: title}
		if err := db.Create(&conv).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "failed to create conversation"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":            conv.ID,
			"title":         conv.Title,
			"created_at":    conv.CreatedAt,
			"updated_at":    conv.UpdatedAt,
			"message_count": 0,
		})
	}
}

func ListConversations(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := currentUserID(c)
		q := strings.TrimSpace(c.Query("q"))

		var convs []models.Conversation
		if err := db.Preload("Messages").Where("user_id = ?", uid).Find(&convs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "db error"})
			return
		}

		// filter by q (in-memory; title or any message content)
		filtered := convs
		if q != "" {
			p := strings.ToLower(q)
			filtered = filtered[:0]
			for _, conv := range convs {
				if strings.Contains(strings.ToLower(conv.Title), p) {
					filtered = append(filtered, conv)
					continue
				}
				for _, m := range conv.Messages {
					if strings.Contains(strings.ToLower(m.Content), p) {
						filtered = append(filtered, conv)
						break
					}
				}
			}
		}

		// most recently active first
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[j].UpdatedAt.Before(filtered[i].UpdatedAt)
		})

		result := make([]gin.H, 0, len(filtered))
		for _, conv := range filtered {
			result = append(result, gin.H{
				"id":            conv.ID,
				"title":         conv.Title,
				"created_at":    conv.CreatedAt,
				"updated_at":    conv.UpdatedAt,
				"message_count": len(conv.Messages),
			})
		}
		c.JSON(http.StatusOK, result)
	}
}

func GetConversation(db *gorm.DB) gin.HandlerFunc {
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

		messages := make([]gin.H, 0, len(msgs))
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
			messages = append(messages, entry)
		}

		c.JSON(http.StatusOK, gin.H{
			"id":         conv.ID,
			"title":      conv.Title,
			"created_at": conv.CreatedAt,
			"updated_at": conv.UpdatedAt,
			"messages":   messages,
		})
	}
}

func RenameConversation(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := currentUserID(c)

		cid, err := strconv.Atoi(c.Param("conversation_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid conversation id"})
			return
		}

		var body struct {
			Title string `json:"title"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Title) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "title is required"})
			return
		}

		var conv models.Conversation
		if err := db.Where("id = ? AND user_id = ?", cid, uid).First(&conv).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"msg": "conversation not found"})
			return
		}

		if err := db.Model(&conv).Update("title", strings.TrimSpace(body.Title)).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "failed to rename conversation"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"id": conv.ID, "title": conv.Title, "updated_at": conv.UpdatedAt})
	}
}

func DeleteConversation(db *gorm.DB) gin.HandlerFunc {
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

		if err := deleteConversationCascade(db, conv.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "failed to delete conversation"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"msg": "conversation deleted"})
	}
}

func DeleteAllConversations(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := currentUserID(c)

		var convs []models.Conversation
		if err := db.Where("user_id = ?", uid).Find(&convs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "db error"})
			return
		}

		for _, conv := range convs {
			if err := deleteConversationCascade(db, conv.ID); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"msg": "failed to delete conversations"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"msg": "all conversations deleted", "deleted": len(convs)})
	}
}

// deleteConversationCascade removes a conversation and its messages in one
// transaction. Explicit rather than FK-cascade so sqlite works without the
// foreign_keys pragma.
func deleteConversationCascade(db *gorm.DB, conversationID uint) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Conversation{}, conversationID).Error
	})
}
