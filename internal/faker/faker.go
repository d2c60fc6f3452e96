// Package faker synthesizes replacement values for detected PII.
//
// Fakes are intentionally recognizable as fakes: emails only use
// example.com-style domains, phone numbers use the 555 exchange, SSNs start
// with 9, hostnames carry a ".fake." label. Stability across messages comes
// from the mapping store, not from this package.
package faker

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"mcp-conceal/internal/pii"
)

var (
	hostnamePrefixes = []string{"server", "web", "db", "app", "proxy", "gateway", "host", "node"}
	nodeTypes        = []string{"node", "worker", "master", "compute", "edge"}
	safeDomains      = []string{"example.com", "example.net", "example.org"}
)

// Engine generates fake values. Not safe for concurrent use; the proxy
// gives each worker its own Engine via Clone.
type Engine struct {
	gf     *gofakeit.Faker
	rng    *rand.Rand
	locale string

	// consistency is parsed from config but currently reserved.
	consistency bool
}

// New builds an Engine. A non-nil seed makes output deterministic.
func New(locale string, seed *uint64, consistency bool) *Engine {
	var gf *gofakeit.Faker
	var rng *rand.Rand
	if seed != nil {
		gf = gofakeit.New(*seed)
		rng = rand.New(rand.NewSource(int64(*seed)))
	} else {
		gf = gofakeit.New(0)
		rng = rand.New(rand.NewSource(gf.Int64()))
	}
	return &Engine{gf: gf, rng: rng, locale: locale, consistency: consistency}
}

// Clone returns an independent Engine with a derived seed, for per-worker
// use.
func (e *Engine) Clone() *Engine {
	derived := uint64(e.rng.Int63())
	return &Engine{
		gf:          gofakeit.New(derived),
		rng:         rand.New(rand.NewSource(int64(derived))),
		locale:      e.locale,
		consistency: e.consistency,
	}
}

// AnonymizeEntity produces a fake substitute for one detection. The
// entity's "@path" suffix, if any, is ignored for dispatch but preserved in
// the result.
func (e *Engine) AnonymizeEntity(detected pii.DetectedEntity) pii.AnonymizedEntity {
	var fake string
	switch pii.BaseType(detected.EntityType) {
	case "email":
		fake = e.fakeEmail()
	case "phone":
		fake = e.fakePhone()
	case "ssn":
		fake = e.fakeSSN()
	case "name", "person_name":
		fake = e.fakeName()
	case "ip_address":
		fake = e.fakeIP()
	case "hostname":
		fake = e.fakeHostname()
	case "node_name":
		fake = e.fakeNodeName()
	default:
		fake = "REDACTED_" + strings.ToUpper(pii.BaseType(detected.EntityType))
	}
	return pii.AnonymizedEntity{
		EntityType:    detected.EntityType,
		OriginalValue: detected.OriginalValue,
		FakeValue:     fake,
		MappingID:     uuid.NewString(),
	}
}

// AnonymizeEntities maps AnonymizeEntity over a slice.
func (e *Engine) AnonymizeEntities(detected []pii.DetectedEntity) []pii.AnonymizedEntity {
	out := make([]pii.AnonymizedEntity, 0, len(detected))
	for _, d := range detected {
		out = append(out, e.AnonymizeEntity(d))
	}
	return out
}

// ReplacementMap builds original → fake for a set of detections.
func (e *Engine) ReplacementMap(detected []pii.DetectedEntity) map[string]string {
	m := make(map[string]string, len(detected))
	for _, d := range detected {
		a := e.AnonymizeEntity(d)
		m[a.OriginalValue] = a.FakeValue
	}
	return m
}

func (e *Engine) fakeEmail() string {
	user := strings.ToLower(e.gf.Username())
	domain := safeDomains[e.rng.Intn(len(safeDomains))]
	return user + "@" + domain
}

func (e *Engine) fakePhone() string {
	return fmt.Sprintf("555-%03d-%04d", 100+e.rng.Intn(899), 1000+e.rng.Intn(8999))
}

// SSNs start with 9 so they are obviously not real.
func (e *Engine) fakeSSN() string {
	return fmt.Sprintf("9%02d-%02d-%04d", 10+e.rng.Intn(89), 10+e.rng.Intn(89), 1000+e.rng.Intn(8999))
}

func (e *Engine) fakeName() string {
	return e.gf.FirstName() + " " + e.gf.LastName()
}

func (e *Engine) fakeIP() string {
	return e.gf.IPv4Address()
}

func (e *Engine) fakeHostname() string {
	prefix := hostnamePrefixes[e.rng.Intn(len(hostnamePrefixes))]
	return fmt.Sprintf("%s-%02d.fake.%s", prefix, 1+e.rng.Intn(99), e.gf.DomainSuffix())
}

func (e *Engine) fakeNodeName() string {
	nt := nodeTypes[e.rng.Intn(len(nodeTypes))]
	n := 1 + e.rng.Intn(99)
	switch e.rng.Intn(3) {
	case 0:
		return fmt.Sprintf("%s%02d", nt, n)
	case 1:
		return fmt.Sprintf("%s-%02d", nt, n)
	default:
		return fmt.Sprintf("%s_%02d", nt, n)
	}
}
