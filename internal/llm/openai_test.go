package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func openaiResult(text string, prompt, completion int) map[string]interface{} {
	return map[string]interface{}{
		"id":    "chatcmpl-test",
		"model": "gpt-4o",
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": text},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	}
}

func TestOpenAIGenerate(t *testing.T) {
	var gotReq openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(openaiResult("done\n", 80, 20))
	}))
	defer srv.Close()

	c := NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: srv.URL,
		Model:   "gpt-4o",
		Timeout: 5 * time.Second,
	})
	defer c.httpClient.CloseIdleConnections()

	res, err := c.Generate(context.Background(), "be terse", "summarize")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "done" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Usage.PromptTokens != 80 || res.Usage.CompletionTokens != 20 {
		t.Errorf("usage = %+v", res.Usage)
	}

	if len(gotReq.Messages) != 2 {
		t.Fatalf("messages = %+v", gotReq.Messages)
	}
	if gotReq.Messages[0].Role != "system" || gotReq.Messages[0].Content != "be terse" {
		t.Errorf("system message = %+v", gotReq.Messages[0])
	}
	if gotReq.Messages[1].Role != "user" {
		t.Errorf("user message = %+v", gotReq.Messages[1])
	}
}

func TestOpenAIOmitsEmptySystem(t *testing.T) {
	var gotReq openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(openaiResult("ok", 1, 1))
	}))
	defer srv.Close()

	c := NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o", Timeout: 5 * time.Second,
	})
	defer c.httpClient.CloseIdleConnections()

	if _, err := c.Complete(context.Background(), "just a prompt"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
}

func TestOpenAIEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer srv.Close()

	c := NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o", Timeout: 5 * time.Second,
	})
	defer c.httpClient.CloseIdleConnections()

	if _, err := c.Generate(context.Background(), "", "hello"); err == nil {
		t.Error("empty choices did not surface")
	}
}

func TestXAIDefaultsPointAtXAI(t *testing.T) {
	cfg := DefaultXAIConfig("xai-test")
	if cfg.BaseURL != "https://api.x.ai/v1" {
		t.Errorf("base url = %s", cfg.BaseURL)
	}
	c := NewOpenAIClientWithConfig(cfg)
	if c.GetModel() != "grok-2-latest" {
		t.Errorf("model = %s", c.GetModel())
	}
}
