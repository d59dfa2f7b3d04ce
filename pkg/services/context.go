package services

import (
	"fmt"
	"strings"

	"LocalGPT/models"
)

// SystemPrompt is the fixed assistant persona prepended to every submission.
// It is never stored as a message row.
const SystemPrompt = "You are a helpful AI assistant. " +
	"Provide accurate, concise, and friendly responses. " +
	"If you don't know something, admit it rather than guessing. " +
	"Format code with proper syntax highlighting when possible."

// Turn is the new user input for one exchange: typed text plus the
// normalized attachments that came with it.
type Turn struct {
	Text        string
	Attachments []Attachment
}

// CombinedText folds extracted attachment text into the typed message:
// typed text first, then a "File Contents:" block with one
// "--- File: name ---" section per text attachment, in upload order.
// The same fold is used for the persisted user row and for the submission,
// so stored history and model context always agree.
func (t Turn) CombinedText() string {
	var files strings.Builder
	for _, a := range t.Attachments {
		if a.Kind != AttachmentText {
			continue
		}
		fmt.Fprintf(&files, "\n--- File: %s ---\n%s\n", a.Filename, a.Text)
	}
	if files.Len() == 0 {
		return t.Text
	}
	return t.Text + "\n\nFile Contents:" + files.String()
}

// Images returns the base64 payloads of the turn's image attachments,
// in upload order.
func (t Turn) Images() []string {
	var out []string
	for _, a := range t.Attachments {
		if a.Kind == AttachmentImage {
			out = append(out, a.Data)
		}
	}
	return out
}

// BuildContext produces the ordered message list to submit to the model:
// the system preamble, the most recent maxHistory stored messages with role
// and content unchanged, then the new user turn as the trailing entry. Image
// payloads ride only on that trailing entry. The input history is never
// mutated or reordered; identical inputs produce identical output.
func BuildContext(history []models.Message, turn Turn, maxHistory int) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+2)
	out = append(out, ChatMessage{Role: models.RoleSystem, Content: SystemPrompt})

	recent := history
	if maxHistory > 0 && len(recent) > maxHistory {
		recent = recent[len(recent)-maxHistory:]
	}
	for _, m := range recent {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}

	out = append(out, ChatMessage{
		Role:    models.RoleUser,
		Content: turn.CombinedText(),
		Images:  turn.Images(),
	})
	return out
}
