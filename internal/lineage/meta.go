package lineage

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/tidemark/internal/apperr"
)

//go:embed meta.cue
var metaSchema string

// Rel labels an edge.
type Rel string

const (
	RelSupersedes  Rel = "supersedes"
	RelDerivedFrom Rel = "derived_from"
	RelMentions    Rel = "mentions"
)

// Reason records which match selected a superseded predecessor.
type Reason string

const (
	ReasonContentDigest Reason = "content_digest"
	ReasonCanonicalURI  Reason = "canonical_uri"
)

// Candidates holds both predecessor candidates when the content-digest match
// and the canonical-URI match named different items.
type Candidates struct {
	ContentDigest string `json:"content_digest"`
	CanonicalURI  string `json:"canonical_uri"`
}

// SupersedesMeta is the fixed metadata shape of a supersedes edge.
type SupersedesMeta struct {
	Reason     Reason      `json:"reason"`
	Candidates *Candidates `json:"candidates,omitempty"`
	Selected   Reason      `json:"selected,omitempty"`
}

// Conflict reports whether the edge records a digest/URI disagreement.
func (m *SupersedesMeta) Conflict() bool {
	return m.Candidates != nil
}

// Meta is edge metadata, a tagged union keyed by the edge's Rel: supersedes
// edges carry Supersedes, every other rel carries Attributes.
type Meta struct {
	Supersedes *SupersedesMeta
	Attributes map[string]string
}

// MarshalJSON emits whichever variant is set.
func (m Meta) MarshalJSON() ([]byte, error) {
	if m.Supersedes != nil {
		return json.Marshal(m.Supersedes)
	}
	if m.Attributes == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.Attributes)
}

// decodeMeta parses stored metadata according to rel.
func decodeMeta(rel Rel, data []byte) (Meta, error) {
	if rel == RelSupersedes {
		var s SupersedesMeta
		if err := json.Unmarshal(data, &s); err != nil {
			return Meta{}, fmt.Errorf("decode supersedes meta: %w", err)
		}
		return Meta{Supersedes: &s}, nil
	}
	attrs := map[string]string{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return Meta{}, fmt.Errorf("decode attributes: %w", err)
	}
	return Meta{Attributes: attrs}, nil
}

// metaValidator checks encoded metadata against the embedded CUE schema.
// A cue.Context is not safe for concurrent use, and values from different
// contexts cannot be unified, so each call borrows a compiled schema from
// the pool.
type metaValidator struct {
	schemas sync.Pool
}

// metaSchemas is the embedded schema compiled in one cue.Context.
type metaSchemas struct {
	ctx        *cue.Context
	supersedes cue.Value
	attributes cue.Value
}

func compileMetaSchemas() *metaSchemas {
	ctx := cuecontext.New()
	schema := ctx.CompileString(metaSchema)
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("lineage: invalid embedded meta schema: %v", err))
	}
	return &metaSchemas{
		ctx:        ctx,
		supersedes: schema.LookupPath(cue.ParsePath("#Supersedes")),
		attributes: schema.LookupPath(cue.ParsePath("#Attributes")),
	}
}

func newMetaValidator() *metaValidator {
	v := &metaValidator{}
	v.schemas.New = func() any { return compileMetaSchemas() }
	// Compile once up front so a broken schema fails at construction.
	v.schemas.Put(compileMetaSchemas())
	return v
}

// encode validates meta for rel and returns the JSON to store.
func (v *metaValidator) encode(rel Rel, meta Meta) ([]byte, error) {
	supersedes := rel == RelSupersedes
	switch {
	case supersedes && meta.Supersedes == nil:
		return nil, apperr.Validation("edge", "supersedes edge requires supersedes metadata")
	case !supersedes && meta.Supersedes != nil:
		return nil, apperr.Validationf("edge", "supersedes metadata on %q edge", rel)
	case supersedes:
		if err := checkSupersedes(meta.Supersedes); err != nil {
			return nil, err
		}
	}

	data, err := meta.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode edge meta: %w", err)
	}

	s := v.schemas.Get().(*metaSchemas)
	defer v.schemas.Put(s)

	def := s.attributes
	if supersedes {
		def = s.supersedes
	}

	// JSON is valid CUE, so the stored bytes themselves are what gets checked.
	val := s.ctx.CompileBytes(data)
	if err := val.Err(); err != nil {
		return nil, apperr.Validationf("edge", "meta: %v", err)
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return nil, apperr.Validationf("edge", "meta does not match %s schema: %v", rel, err)
	}
	return data, nil
}

// checkSupersedes enforces the cross-field rules the schema cannot express:
// candidates and selected appear together, and selected equals reason.
func checkSupersedes(m *SupersedesMeta) error {
	if (m.Candidates == nil) != (m.Selected == "") {
		return apperr.Validation("edge", "candidates and selected must be recorded together")
	}
	if m.Selected != "" && m.Selected != m.Reason {
		return apperr.Validationf("edge", "selected %q differs from reason %q", m.Selected, m.Reason)
	}
	if m.Candidates != nil && m.Candidates.ContentDigest == m.Candidates.CanonicalURI {
		return apperr.Validation("edge", "conflict candidates must be different items")
	}
	return nil
}
