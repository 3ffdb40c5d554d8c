package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/wayfarer/internal/fault"
)

type echoHandler struct{}

func (echoHandler) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	return TextResult("ok"), nil
}

func browseDecl(name string) Declaration {
	return Declaration{
		Name:        name,
		Handwritten: "Browses the web and returns text.",
		Parameters: map[string]Parameter{
			"instructions": {Type: "string", Description: "What to do", Required: true},
			"max_steps":   {Type: "integer", Description: "Step budget", Default: 1},
		},
		Capabilities: []Capability{CapabilityOneShot, CapabilityMultiStep},
		Handler:      echoHandler{},
	}
}

// fakeGenerator scripts per-tool outcomes.
type fakeGenerator struct {
	descriptions map[string]string
	errs         map[string]error
	calls        []string
}

func (g *fakeGenerator) GenerateDescription(ctx context.Context, toolName string, schema json.RawMessage) (string, error) {
	g.calls = append(g.calls, toolName)
	if err := g.errs[toolName]; err != nil {
		return "", err
	}
	return g.descriptions[toolName], nil
}

func TestRegistryGeneratesAndCachesDescriptions(t *testing.T) {
	cache := NewMemoryCache()
	gen := &fakeGenerator{descriptions: map[string]string{"browse": "Generated browse description."}}

	r, err := New(context.Background(), []Declaration{browseDecl("browse")}, Options{
		ModelID:   "openai/gpt-4o",
		Cache:     cache,
		Generator: gen,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	infos := r.List()
	if len(infos) != 1 || infos[0].Description != "Generated browse description." {
		t.Fatalf("catalog = %+v", infos)
	}
	if infos[0].Degraded {
		t.Fatal("generated description flagged degraded")
	}

	d, err := cache.Get(context.Background(), "openai/gpt-4o", "browse")
	if err != nil || d == nil {
		t.Fatalf("cache miss after registration: %v, %v", d, err)
	}
}

func TestRegistryCacheHitSkipsGenerator(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	if _, err := cache.Put(ctx, "m1", "browse", "Cached description.", "{}", time.Second); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	gen := &fakeGenerator{descriptions: map[string]string{"browse": "fresh"}}

	r, err := New(ctx, []Declaration{browseDecl("browse")}, Options{
		ModelID: "m1", Cache: cache, Generator: gen,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if got := r.List()[0].Description; got != "Cached description." {
		t.Fatalf("description = %q", got)
	}
	if len(gen.calls) != 0 {
		t.Fatalf("generator invoked on cache hit: %v", gen.calls)
	}
}

func TestRegistryPartialSuccessOnGenerationFailure(t *testing.T) {
	gen := &fakeGenerator{
		descriptions: map[string]string{"good": "A fine tool."},
		errs:         map[string]error{"bad": errors.New("model overloaded")},
	}

	r, err := New(context.Background(), []Declaration{browseDecl("good"), browseDecl("bad")}, Options{
		ModelID: "m1", Cache: NewMemoryCache(), Generator: gen,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("catalog size = %d, want both tools registered", len(infos))
	}
	if infos[0].Degraded || infos[0].Description != "A fine tool." {
		t.Fatalf("good tool = %+v", infos[0])
	}
	if !infos[1].Degraded || infos[1].Description != "Browses the web and returns text." {
		t.Fatalf("bad tool should fall back to handwritten text: %+v", infos[1])
	}
}

func TestRegistryNoGeneratorUsesHandwritten(t *testing.T) {
	r, err := New(context.Background(), []Declaration{browseDecl("browse")}, Options{ModelID: "none"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	info := r.List()[0]
	if info.Description != "Browses the web and returns text." || info.Degraded {
		t.Fatalf("info = %+v", info)
	}
}

func TestRegistryRejectsDuplicatesAndBadNames(t *testing.T) {
	if _, err := New(context.Background(), []Declaration{browseDecl("browse"), browseDecl("browse")}, Options{}); err == nil {
		t.Fatal("duplicate declaration accepted")
	}
	bad := browseDecl("1starts_with_digit")
	if _, err := New(context.Background(), []Declaration{bad}, Options{}); err == nil {
		t.Fatal("invalid name accepted")
	}
}

func TestRegistryLookup(t *testing.T) {
	r, err := New(context.Background(), []Declaration{browseDecl("browse")}, Options{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	tool, err := r.Lookup("browse")
	if err != nil || tool.Declaration.Name != "browse" {
		t.Fatalf("lookup = %v, %v", tool, err)
	}
	if !tool.Declaration.Supports(CapabilityMultiStep) {
		t.Fatal("capability lost")
	}

	_, err = r.Lookup("missing")
	if fault.KindOf(err) != fault.KindUnknownTool {
		t.Fatalf("kind = %v, want UNKNOWN_TOOL", fault.KindOf(err))
	}
}

func TestValidateArguments(t *testing.T) {
	r, err := New(context.Background(), []Declaration{browseDecl("browse")}, Options{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	tool, _ := r.Lookup("browse")

	cases := []struct {
		name string
		args string
		ok   bool
	}{
		{"valid", `{"instructions":"open example.com","max_steps":3}`, true},
		{"missing required", `{"max_steps":3}`, false},
		{"unknown key", `{"instructions":"x","bogus":true}`, false},
		{"type mismatch", `{"instructions":42}`, false},
		{"not json", `{"instructions":`, false},
		{"empty defaults to object", ``, false}, // instruction is required
	}
	for _, tc := range cases {
		err := tool.ValidateArguments(json.RawMessage(tc.args))
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			if fault.KindOf(err) != fault.KindInvalidArguments {
				t.Errorf("%s: kind = %v, want INVALID_ARGUMENTS", tc.name, fault.KindOf(err))
			}
		}
	}
}

func TestDeclarationSchemaJSON(t *testing.T) {
	schema, err := browseDecl("browse").SchemaJSON()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var decoded struct {
		Type                 string         `json:"type"`
		Properties           map[string]any `json:"properties"`
		Required             []string       `json:"required"`
		AdditionalProperties bool           `json:"additionalProperties"`
	}
	if err := json.Unmarshal(schema, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != "object" || decoded.AdditionalProperties {
		t.Fatalf("schema = %s", schema)
	}
	if len(decoded.Required) != 1 || decoded.Required[0] != "instructions" {
		t.Fatalf("required = %v", decoded.Required)
	}
	if _, ok := decoded.Properties["max_steps"]; !ok {
		t.Fatalf("properties = %v", decoded.Properties)
	}
}

func TestMemoryCacheRoundTripAndTouch(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	d, err := cache.Put(ctx, "m1", "browse", "desc", `{"type":"object"}`, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if d.GenerationTimeMS != 1500 || d.QualityScore != defaultQualityScore {
		t.Fatalf("description = %+v", d)
	}

	if err := cache.Touch(ctx, d.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := cache.Get(ctx, "m1", "browse")
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.UsageCount != 1 {
		t.Fatalf("usage = %d, want 1", got.UsageCount)
	}

	// Overwrite keeps the identity and usage stats.
	d2, err := cache.Put(ctx, "m1", "browse", "desc v2", "{}", time.Second)
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if d2.ID != d.ID || d2.UsageCount != 1 || d2.Description != "desc v2" {
		t.Fatalf("overwritten = %+v", d2)
	}

	if miss, err := cache.Get(ctx, "m2", "browse"); err != nil || miss != nil {
		t.Fatalf("cross-model leak: %v, %v", miss, err)
	}
}

func TestLRUFrontServesCachedReads(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryCache()
	front, err := NewLRUFront(backing)
	if err != nil {
		t.Fatalf("lru front: %v", err)
	}

	if _, err := front.Put(ctx, "m1", "browse", "desc", "{}", time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}
	d, err := front.Get(ctx, "m1", "browse")
	if err != nil || d == nil || d.Description != "desc" {
		t.Fatalf("get = %v, %v", d, err)
	}

	// Touch invalidates the front so the next read sees fresh stats.
	if err := front.Touch(ctx, d.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	d, err = front.Get(ctx, "m1", "browse")
	if err != nil || d.UsageCount != 1 {
		t.Fatalf("post-touch read = %+v, %v", d, err)
	}
}

func TestFallbackDescriptionPlaceholder(t *testing.T) {
	decl := browseDecl("browse")
	decl.Handwritten = ""
	got := fallbackDescription(decl)
	if !strings.Contains(got, "browse") {
		t.Fatalf("placeholder = %q", got)
	}
}
