// Package ollama talks to a local Ollama instance for the LLM detection
// stage.
//
// The contract is Ollama's generate API: POST /api/generate with a
// non-streaming request, GET /api/tags as a health probe. Model output is
// free text that should contain one JSON object of the shape
// {"entities": [{type, value, start?, end?, confidence?}]}; extraction and
// validation are tolerant because small local models drift from the format.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"mcp-conceal/internal/logger"
	"mcp-conceal/internal/pii"
	"mcp-conceal/internal/prompt"
)

const (
	healthKey      = "health"
	healthTTL      = 30 * time.Second
	defaultConf    = 0.8
	maxOutputToken = 500
)

// Config holds the connection parameters for one Ollama endpoint.
type Config struct {
	Endpoint       string
	Model          string
	TimeoutSeconds int
	Enabled        bool
}

// Client extracts PII entities from text via an Ollama model.
// Safe for concurrent use.
type Client struct {
	http     *http.Client
	cfg      Config
	template string
	health   *gocache.Cache
	log      *logger.Logger
}

// NewClient builds a Client using the given prompt template. The health
// probe result is memoized briefly so per-line pipeline calls do not hit
// /api/tags every time.
func NewClient(cfg Config, template string, log *logger.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		cfg:      cfg,
		template: template,
		health:   gocache.New(healthTTL, 2*healthTTL),
		log:      log,
	}
}

// Model returns the configured model name, used as the cache key qualifier.
func (c *Client) Model() string { return c.cfg.Model }

// Enabled reports whether the LLM stage is turned on.
func (c *Client) Enabled() bool { return c.cfg.Enabled }

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type llmEntity struct {
	Type       string   `json:"type"`
	Value      string   `json:"value"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Confidence *float64 `json:"confidence"`
}

type llmResponse struct {
	Entities []llmEntity `json:"entities"`
}

// ExtractEntities sends text through the model and returns validated
// entities. A disabled client returns an empty slice.
func (c *Client) ExtractEntities(ctx context.Context, text string) ([]pii.DetectedEntity, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}
	raw, err := c.generate(ctx, prompt.Format(c.template, text))
	if err != nil {
		return nil, err
	}
	return c.ParseResponse(raw, text)
}

func (c *Client) generate(ctx context.Context, p string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.cfg.Model,
		Prompt: p,
		Stream: false,
		Options: generateOptions{
			Temperature: 0.0,
			TopP:        0.1,
			MaxTokens:   maxOutputToken,
		},
	})
	if err != nil {
		return "", fmt.Errorf("encoding generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side only

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama generate: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("decoding generate response: %w", err)
	}
	if !gen.Done && c.log != nil {
		c.log.Warnf("llm_generate", "incomplete response from ollama")
	}
	return gen.Response, nil
}

// ParseResponse extracts the JSON entity list from raw model output and
// validates each entity against the original text. Entities with no usable
// position are dropped.
func (c *Client) ParseResponse(raw, original string) ([]pii.DetectedEntity, error) {
	jsonStr, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var parsed llmResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, fmt.Errorf("parsing llm entity json: %w", err)
	}

	var out []pii.DetectedEntity
	for _, ent := range parsed.Entities {
		start, end, ok := resolveSpan(original, ent)
		if !ok {
			if c.log != nil {
				c.log.Warnf("llm_parse", "dropping entity %q: no position in text", ent.Value)
			}
			continue
		}
		conf := defaultConf
		if ent.Confidence != nil {
			conf = *ent.Confidence
		}
		out = append(out, pii.DetectedEntity{
			EntityType:    ent.Type,
			OriginalValue: ent.Value,
			Start:         start,
			End:           end,
			Confidence:    conf,
		})
	}
	return out, nil
}

// resolveSpan trusts the model's offsets only when they point at the exact
// value; otherwise it falls back to a substring search.
func resolveSpan(text string, ent llmEntity) (int, int, bool) {
	if ent.Start == 0 && ent.End == 0 {
		return findSubstring(text, ent.Value)
	}
	if ent.Start >= ent.End || ent.End > len(text) {
		return findSubstring(text, ent.Value)
	}
	if text[ent.Start:ent.End] != ent.Value {
		return findSubstring(text, ent.Value)
	}
	return ent.Start, ent.End, true
}

func findSubstring(text, value string) (int, int, bool) {
	if value == "" {
		return 0, 0, false
	}
	if i := strings.Index(text, value); i >= 0 {
		return i, i + len(value), true
	}
	return 0, 0, false
}

// ExtractJSON pulls the first complete JSON object out of model output.
// Doubled braces (a common template artifact) are collapsed first; if no
// balanced object parses, the trimmed whole is tried as a last resort.
func ExtractJSON(response string) (string, error) {
	fixed := strings.ReplaceAll(strings.ReplaceAll(response, "{{", "{"), "}}", "}")

	if start := strings.IndexByte(fixed, '{'); start >= 0 {
		depth := 0
		for i := start; i < len(fixed); i++ {
			switch fixed[i] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := fixed[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, nil
					}
					i = len(fixed)
				}
			}
		}
	}

	trimmed := strings.TrimSpace(fixed)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	return "", fmt.Errorf("no valid JSON object in model output")
}

// HealthCheck probes /api/tags. The result is cached for a short TTL.
// A disabled client always reports unhealthy.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if !c.cfg.Enabled {
		return false
	}
	if cached, ok := c.health.Get(healthKey); ok {
		return cached.(bool)
	}

	healthy := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/api/tags", nil)
	if err == nil {
		resp, err := c.http.Do(req)
		if err == nil {
			healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
			resp.Body.Close() //nolint:errcheck // probe only
		} else if c.log != nil {
			c.log.Debugf("llm_health", "health probe failed: %v", err)
		}
	}
	c.health.Set(healthKey, healthy, gocache.DefaultExpiration)
	return healthy
}
