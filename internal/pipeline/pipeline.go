// Package pipeline orchestrates detection, mapping, and rewriting for one
// string of text at a time.
//
// Detection mode selects the sources: regex only, LLM only, or both
// combined. LLM results are cached in the mapping store keyed by
// (text, model). Fakes are stable because existing mappings are reused;
// only genuinely new (entity_type, original) pairs hit the faker.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mcp-conceal/internal/config"
	"mcp-conceal/internal/detect"
	"mcp-conceal/internal/faker"
	"mcp-conceal/internal/logger"
	"mcp-conceal/internal/mapping"
	"mcp-conceal/internal/metrics"
	"mcp-conceal/internal/ollama"
	"mcp-conceal/internal/pii"
)

// minLeafLen is the trimmed length a JSON string leaf must exceed to be
// worth scanning. Shorter values ("ok", "1", "") cannot hold PII.
const minLeafLen = 3

// Pipeline rewrites PII in text. One Pipeline serves one proxy worker; the
// detector and ollama client are shared, the store handle and faker are not.
type Pipeline struct {
	mode     string
	enabled  bool
	detector *detect.Engine
	llm      *ollama.Client
	store    *mapping.Store
	fake     *faker.Engine
	log      *logger.Logger
	met      *metrics.Metrics
}

// New assembles a Pipeline.
func New(cfg config.DetectionConfig, detector *detect.Engine, llm *ollama.Client, store *mapping.Store, fake *faker.Engine, log *logger.Logger) *Pipeline {
	return &Pipeline{
		mode:     cfg.Mode,
		enabled:  cfg.Enabled,
		detector: detector,
		llm:      llm,
		store:    store,
		fake:     fake,
		log:      log,
	}
}

// WithMetrics attaches a counter set and returns the same Pipeline.
func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.met = m
	return p
}

// Process rewrites every detected entity in text with its stable fake.
// Text with no detections is returned byte-identical. With detection
// disabled the input always passes through untouched.
func (p *Pipeline) Process(ctx context.Context, text string) (string, error) {
	if !p.enabled {
		return text, nil
	}

	var entities []pii.DetectedEntity
	switch p.mode {
	case config.ModeRegex:
		entities = p.detector.DetectInText(text)
	case config.ModeLLM:
		entities = p.llmEntities(ctx, text)
	case config.ModeRegexLLM:
		entities = combine(p.detector.DetectInText(text), p.llmEntities(ctx, text))
	default:
		return "", fmt.Errorf("unknown detection mode %q", p.mode)
	}

	if len(entities) == 0 {
		return text, nil
	}

	replacements := p.materialize(entities)
	return detect.ReplaceSpans(text, entities, replacements), nil
}

// llmEntities returns the LLM detections for text: cache first, then a
// health-gated extraction. Every failure path degrades to no detections.
func (p *Pipeline) llmEntities(ctx context.Context, text string) []pii.DetectedEntity {
	if p.llm == nil || !p.llm.Enabled() {
		return nil
	}

	if cached, ok, err := p.store.GetLLMCache(text, p.llm.Model()); err == nil && ok {
		return cached
	} else if err != nil {
		p.log.Warnf("llm_cache", "cache lookup failed: %v", err)
	}

	if !p.llm.HealthCheck(ctx) {
		p.log.Debugf("llm_detect", "ollama unhealthy, skipping llm stage")
		return nil
	}

	if p.met != nil {
		p.met.LLMCalls.Add(1)
	}
	entities, err := p.llm.ExtractEntities(ctx, text)
	if err != nil {
		if p.met != nil {
			p.met.LLMErrors.Add(1)
		}
		p.log.Warnf("llm_detect", "extraction failed: %v", err)
		return nil
	}
	if err := p.store.PutLLMCache(text, p.llm.Model(), entities); err != nil {
		p.log.Warnf("llm_cache", "cache store failed: %v", err)
	}
	return entities
}

// combine merges regex and LLM detections, deduplicating on
// (entity_type, start, end). LLM entries win collisions because they carry
// semantic context the regex lacks.
func combine(regex, llm []pii.DetectedEntity) []pii.DetectedEntity {
	merged := make(map[string]pii.DetectedEntity, len(regex)+len(llm))
	for _, e := range regex {
		merged[e.Key()] = e
	}
	for _, e := range llm {
		merged[e.Key()] = e
	}
	out := make([]pii.DetectedEntity, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	return out
}

// materialize produces the original → fake map for a set of detections,
// reusing stored mappings and persisting new ones. Store failures degrade
// to an unpersisted fresh fake for this message.
func (p *Pipeline) materialize(entities []pii.DetectedEntity) map[string]string {
	replacements := make(map[string]string, len(entities))
	for _, ent := range entities {
		if _, done := replacements[ent.OriginalValue]; done {
			continue
		}
		if fake, ok, err := p.store.GetMapping(ent.EntityType, ent.OriginalValue); err == nil && ok {
			p.log.Debugf("mapping_reuse", "existing-%d %s", time.Now().UnixNano(), ent.EntityType)
			replacements[ent.OriginalValue] = fake
			continue
		} else if err != nil {
			p.log.Warnf("mapping_get", "%s lookup failed: %v", ent.EntityType, err)
		}

		anon := p.fake.AnonymizeEntity(ent)
		if err := p.store.PutMapping(anon); err != nil {
			p.log.Warnf("mapping_put", "%s persist failed, fake unpersisted: %v", ent.EntityType, err)
		}
		replacements[ent.OriginalValue] = anon.FakeValue
	}
	if p.met != nil {
		p.met.EntitiesReplaced.Add(int64(len(entities)))
	}
	return replacements
}

// WalkJSON traverses a parsed JSON value, rewriting every string leaf whose
// trimmed length exceeds 3. It returns the (possibly shared) rewritten
// value and whether anything changed.
func (p *Pipeline) WalkJSON(ctx context.Context, v any) (any, bool, error) {
	switch node := v.(type) {
	case string:
		if len(strings.TrimSpace(node)) <= minLeafLen {
			return node, false, nil
		}
		rewritten, err := p.Process(ctx, node)
		if err != nil {
			return node, false, err
		}
		return rewritten, rewritten != node, nil
	case map[string]any:
		changed := false
		for key, child := range node {
			newChild, childChanged, err := p.WalkJSON(ctx, child)
			if err != nil {
				return v, changed, err
			}
			if childChanged {
				node[key] = newChild
				changed = true
			}
		}
		return node, changed, nil
	case []any:
		changed := false
		for i, child := range node {
			newChild, childChanged, err := p.WalkJSON(ctx, child)
			if err != nil {
				return v, changed, err
			}
			if childChanged {
				node[i] = newChild
				changed = true
			}
		}
		return node, changed, nil
	default:
		return v, false, nil
	}
}
