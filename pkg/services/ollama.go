package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"LocalGPT/pkg/config"
)

// ChatMessage is one entry of the context submitted to the model server.
// Images carries base64 payloads and is set only on the trailing user entry.
type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Static catalog of models the UI may select. Not app-managed data; edit here.
var AvailableModels = []ModelInfo{
	{ID: "deepseek-v2:16b", Name: "DeepSeek v2 16B"},
	{ID: "qwen3-vl:8b", Name: "Qwen 3 VL 8B"},
	{ID: "llama3.2", Name: "Llama 3.2"},
	{ID: "mistral", Name: "Mistral 7B"},
}

const DefaultModel = "deepseek-v2:16b"

func IsKnownModel(id string) bool {
	for _, m := range AvailableModels {
		if m.ID == id {
			return true
		}
	}
	return false
}

type OllamaService struct {
	baseURL string
	client  *http.Client
}

func NewOllamaService() *OllamaService {
	return &OllamaService{
		baseURL: strings.TrimRight(config.OllamaBaseURL, "/"),
		// the per-call context carries the deadline; no client-level timeout
		// so long streams are not cut off mid-read
		client: &http.Client{},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type chatStreamLine struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// StreamChat opens one streaming request against /api/chat and forwards each
// content fragment to onDelta in arrival order. It returns the concatenation
// of everything forwarded. On any failure (bad status, malformed line, read
// error, upstream error line) the partial text and a non-nil error come back;
// the caller decides what to surface and persists nothing for the turn.
func (s *OllamaService) StreamChat(ctx context.Context, model string, messages []ChatMessage, onDelta func(string)) (string, error) {
	payload := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  chatOptions{Temperature: 0.7, NumPredict: 2048},
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var obj chatStreamLine
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return full.String(), fmt.Errorf("malformed stream line: %w", err)
		}
		if obj.Error != "" {
			return full.String(), fmt.Errorf("ollama error: %s", obj.Error)
		}
		if obj.Message.Content != "" {
			full.WriteString(obj.Message.Content)
			if onDelta != nil {
				onDelta(obj.Message.Content)
			}
		}
		if obj.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("stream read error: %w", err)
	}
	return full.String(), nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListInstalledModels asks the Ollama server which models are actually
// pulled. Callers fall back to the static catalog when this fails.
func (s *OllamaService) ListInstalledModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama tags request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama tags status %d", resp.StatusCode)
	}

	var parsed tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ollama tags decode: %w", err)
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	log.Printf("[ollama] %d installed models reported by %s", len(names), s.baseURL)
	return names, nil
}
