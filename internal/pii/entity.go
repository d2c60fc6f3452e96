// Package pii defines the entity types shared by the detection, faking,
// mapping, and pipeline layers.
package pii

import (
	"fmt"
	"strings"
)

// DetectedEntity is a located PII span inside a source string.
//
// Start and End are byte offsets (End exclusive) into the string the entity
// was detected in; OriginalValue is the exact substring at that span. When an
// entity was found during a structured JSON traversal, EntityType carries a
// "@a.b[0].c" path suffix identifying the leaf it came from.
type DetectedEntity struct {
	EntityType    string  `json:"entity_type"`
	OriginalValue string  `json:"original_value"`
	Start         int     `json:"start"`
	End           int     `json:"end"`
	Confidence    float64 `json:"confidence"`
}

// Key returns the identity of the entity for deduplication purposes.
// Two detections of the same type over the same span are the same entity,
// regardless of which detector produced them.
func (e DetectedEntity) Key() string {
	return fmt.Sprintf("%s:%d:%d", e.EntityType, e.Start, e.End)
}

// AnonymizedEntity pairs a detection with its substitute value.
// MappingID is an opaque token used for logging and as the primary key in
// the mapping store; it carries no other meaning.
type AnonymizedEntity struct {
	EntityType    string `json:"entity_type"`
	OriginalValue string `json:"original_value"`
	FakeValue     string `json:"fake_value"`
	MappingID     string `json:"mapping_id"`
}

// BaseType strips the "@path" suffix a JSON traversal stamps onto an entity
// type, recovering the bare type tag ("email@customer.email" -> "email").
func BaseType(entityType string) string {
	if i := strings.IndexByte(entityType, '@'); i >= 0 {
		return entityType[:i]
	}
	return entityType
}
