package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"mcp-conceal/internal/prompt"
)

func testClient(endpoint string, enabled bool) *Client {
	return NewClient(Config{
		Endpoint:       endpoint,
		Model:          "llama3.2:3b",
		TimeoutSeconds: 5,
		Enabled:        enabled,
	}, prompt.Builtin(), nil)
}

func TestExtractJSONEmbedded(t *testing.T) {
	raw := `Here is the JSON: {"entities": [{"type": "person_name", "value": "John", "start": 0, "end": 4, "confidence": 0.9}]} End.`
	got, err := ExtractJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid([]byte(got)) {
		t.Errorf("extracted invalid JSON: %q", got)
	}
}

func TestExtractJSONPure(t *testing.T) {
	raw := `{"entities": []}`
	got, err := ExtractJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != raw {
		t.Errorf("got %q", got)
	}
}

func TestExtractJSONFirstOfMany(t *testing.T) {
	raw := "{\"entities\": [{\"type\": \"person_name\", \"value\": \"John\"}]}\n\n{\"entities\": []}"
	got, err := ExtractJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got == "" || got[len(got)-1] != '}' || !json.Valid([]byte(got)) {
		t.Fatalf("bad extraction: %q", got)
	}
	var parsed llmResponse
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatal(err)
	}
	if len(parsed.Entities) != 1 || parsed.Entities[0].Value != "John" {
		t.Errorf("did not take first object: %+v", parsed)
	}
}

func TestExtractJSONDoubledBraces(t *testing.T) {
	raw := `{{"entities": [{{"type": "person_name", "value": "Sarah Johnson", "start": 0, "end": 15, "confidence": 0.9}}]}}`
	got, err := ExtractJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid([]byte(got)) {
		t.Errorf("invalid after brace fix: %q", got)
	}
}

func TestExtractJSONNone(t *testing.T) {
	if _, err := ExtractJSON("No JSON here"); err == nil {
		t.Error("expected error")
	}
}

func TestParseResponseTrustedSpan(t *testing.T) {
	c := testClient("http://localhost:11434", true)
	raw := `{"entities": [{"type": "person_name", "value": "Sarah", "start": 8, "end": 13, "confidence": 0.95}]}`
	entities, err := c.ParseResponse(raw, "Contact Sarah Johnson")
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 {
		t.Fatalf("got %d entities", len(entities))
	}
	e := entities[0]
	if e.Start != 8 || e.End != 13 || e.Confidence != 0.95 || e.EntityType != "person_name" {
		t.Errorf("unexpected entity %+v", e)
	}
}

func TestParseResponseZeroSpanSearches(t *testing.T) {
	c := testClient("http://localhost:11434", true)
	raw := `{"entities": [{"type": "email", "value": "a@b.io"}]}`
	entities, err := c.ParseResponse(raw, "mail a@b.io now")
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 || entities[0].Start != 5 || entities[0].End != 11 {
		t.Errorf("substring search failed: %+v", entities)
	}
	if entities[0].Confidence != 0.8 {
		t.Errorf("default confidence = %v", entities[0].Confidence)
	}
}

func TestParseResponseMismatchedSpanFallsBack(t *testing.T) {
	c := testClient("http://localhost:11434", true)
	raw := `{"entities": [{"type": "person_name", "value": "Sarah", "start": 0, "end": 5}]}`
	entities, err := c.ParseResponse(raw, "Hi -- Sarah is here")
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 || entities[0].Start != 6 {
		t.Errorf("mismatch fallback failed: %+v", entities)
	}
}

func TestParseResponseDropsUnfindable(t *testing.T) {
	c := testClient("http://localhost:11434", true)
	raw := `{"entities": [{"type": "person_name", "value": "Zelda", "start": 8, "end": 13}]}`
	entities, err := c.ParseResponse(raw, "Contact John Johnson")
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 0 {
		t.Errorf("unfindable entity kept: %+v", entities)
	}
}

func TestExtractEntitiesDisabled(t *testing.T) {
	c := testClient("http://localhost:11434", false)
	entities, err := c.ExtractEntities(context.Background(), "some text")
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 0 {
		t.Errorf("disabled client returned entities: %+v", entities)
	}
}

func TestExtractEntitiesAgainstStub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Stream {
			t.Error("stream should be false")
		}
		if req.Options.Temperature != 0.0 || req.Options.TopP != 0.1 || req.Options.MaxTokens != 500 {
			t.Errorf("unexpected options: %+v", req.Options)
		}
		resp := map[string]any{
			"response": `{"entities": [{"type": "email", "value": "jane@corp.io"}]}`,
			"done":     true,
		}
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	defer srv.Close()

	c := testClient(srv.URL, true)
	entities, err := c.ExtractEntities(context.Background(), "ping jane@corp.io today")
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 || entities[0].OriginalValue != "jane@corp.io" {
		t.Errorf("got %+v", entities)
	}
}

func TestExtractEntitiesConnectionRefused(t *testing.T) {
	c := testClient("http://127.0.0.1:1", true)
	if _, err := c.ExtractEntities(context.Background(), "text"); err == nil {
		t.Error("expected connection error")
	}
}

func TestHealthCheck(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testClient(srv.URL, true)
	ctx := context.Background()
	if !c.HealthCheck(ctx) {
		t.Error("healthy endpoint reported unhealthy")
	}
	// Second call must come from the memoized result.
	if !c.HealthCheck(ctx) {
		t.Error("cached health lost")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("health probe hit endpoint %d times, want 1", n)
	}
}

func TestHealthCheckDisabled(t *testing.T) {
	c := testClient("http://localhost:11434", false)
	if c.HealthCheck(context.Background()) {
		t.Error("disabled client reported healthy")
	}
}

func TestHealthCheckUnreachable(t *testing.T) {
	c := testClient("http://127.0.0.1:1", true)
	if c.HealthCheck(context.Background()) {
		t.Error("unreachable endpoint reported healthy")
	}
}
