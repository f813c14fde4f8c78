// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AlertSource identifies the plan step that raised an alert.
type AlertSource struct {
	PlanID string `json:"planId"`
	TaskID string `json:"taskId"`
}

// Alert is the persisted alert document and the payload handed to alert
// delivery channels.
type Alert struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Message      string      `json:"message"`
	Priority     string      `json:"priority,omitempty"`
	Sound        string      `json:"sound,omitempty"`
	Source       AlertSource `json:"source"`
	CreatedAt    string      `json:"createdAt"`
	Acknowledged bool        `json:"acknowledged"`
}

// System is the boundary to external integrations: the AI backend and the
// desktop alert channels. Everything outside this interface is offline.
type System interface {
	// SendPrompt submits one prompt and returns the raw response text.
	SendPrompt(ctx context.Context, prompt, model, format string) (string, error)

	// DeliverAlert emits an alert over a system channel ("toast" or
	// "sound"). The "log" channel is handled by the alert worker itself.
	DeliverAlert(ctx context.Context, channel string, alert Alert) error
}

// PersistAlert writes an alert record under <data>/alerts/<id>.json.
func PersistAlert(dataDir string, alert Alert) error {
	dir := filepath.Join(dataDir, "alerts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(alert, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, alert.ID+".json"), data, 0o644)
}

// MockSystem is the offline System: prompts get a deterministic canned
// response and alert deliveries are recorded. It backs mock mode and
// the tests.
type MockSystem struct {
	// Response overrides the canned prompt response when non-empty.
	Response string
	// Err, when set, fails every call.
	Err error

	mu      sync.Mutex
	prompts []string
	alerts  []Alert
}

// SendPrompt implements System.
func (m *MockSystem) SendPrompt(_ context.Context, prompt, model, format string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if m.Err != nil {
		return "", m.Err
	}
	if m.Response != "" {
		return m.Response, nil
	}
	if format == "json" {
		data, _ := json.Marshal(map[string]interface{}{
			"mock":  true,
			"model": model,
		})
		return string(data), nil
	}
	return "Mock response for: " + firstLine(prompt), nil
}

// DeliverAlert implements System.
func (m *MockSystem) DeliverAlert(_ context.Context, channel string, alert Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.alerts = append(m.alerts, alert)
	return nil
}

// Prompts returns the prompts received so far.
func (m *MockSystem) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Alerts returns the alerts delivered so far.
func (m *MockSystem) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
		if i > 120 {
			return s[:i]
		}
	}
	return s
}

// LiveSystem talks to an OpenAI-compatible chat-completions endpoint for
// prompts and announces alerts through the logger; desktop toast and
// sound integrations hook in at the daemon edge.
type LiveSystem struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
	Logger   *slog.Logger
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// SendPrompt implements System.
func (s *LiveSystem) SendPrompt(ctx context.Context, prompt, model, format string) (string, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding backend response (%d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("backend error (%d): %s", resp.StatusCode, parsed.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || len(parsed.Choices) == 0 {
		return "", fmt.Errorf("backend returned %d with no choices", resp.StatusCode)
	}
	return parsed.Choices[0].Message.Content, nil
}

// DeliverAlert implements System.
func (s *LiveSystem) DeliverAlert(_ context.Context, channel string, alert Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("alert delivered",
		slog.String("channel", channel),
		slog.String("title", alert.Title),
		slog.String("priority", alert.Priority))
	return nil
}
