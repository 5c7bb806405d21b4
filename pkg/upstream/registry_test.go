package upstream

import (
	"errors"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Build([]Settings{
		{Name: "zai", Type: "zai", ModelPrefixes: []string{"glm"}},
		{Name: "qwen", Type: "qwen", ModelPrefixes: []string{"qwen", "qwq"}},
		{Name: "k2", Type: "k2think", ModelPrefixes: []string{"mbzuai", "k2"}},
		{Name: "grok", Type: "grok", ModelPrefixes: []string{"grok"}},
		{Name: "longcat", Type: "longcat", ModelPrefixes: []string{"longcat"}},
	}, "", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return r
}

func TestRegistryResolve(t *testing.T) {
	r := testRegistry(t)
	cases := map[string]string{
		"glm-4.6-thinking":    "zai",
		"Qwen3-Max":           "qwen",
		"qwq-32b":             "qwen",
		"MBZUAI-IFM/K2-Think": "k2",
		"grok-4-image":        "grok",
		"LongCat-Flash-Chat":  "longcat",
	}
	for modelName, want := range cases {
		p, rest, err := r.Resolve(modelName)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", modelName, err)
		}
		if p.Name() != want || rest != modelName {
			t.Fatalf("Resolve(%q) = %s %q, want %s", modelName, p.Name(), rest, want)
		}
	}
}

func TestRegistryExplicitPrefix(t *testing.T) {
	r := testRegistry(t)
	p, rest, err := r.Resolve("grok/glm-lookalike")
	if err != nil || p.Name() != "grok" || rest != "glm-lookalike" {
		t.Fatalf("Resolve = %v %q %v", p, rest, err)
	}
}

func TestRegistryDefaultAndUnknown(t *testing.T) {
	r := testRegistry(t)
	if _, _, err := r.Resolve("mystery-model"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	r.SetDefault("qwen")
	p, _, err := r.Resolve("mystery-model")
	if err != nil || p.Name() != "qwen" {
		t.Fatalf("default resolve = %v %v", p, err)
	}
}

func TestBuildRejectsUnknownType(t *testing.T) {
	if _, err := Build([]Settings{{Name: "x", Type: "bard"}}, "", nil); err == nil {
		t.Fatal("expected error for unknown provider type")
	}
	if got := KnownTypes(); len(got) != 5 {
		t.Fatalf("KnownTypes = %v", got)
	}
}

func TestRegistryListKeepsOrder(t *testing.T) {
	r := testRegistry(t)
	var names []string
	for _, p := range r.List() {
		names = append(names, p.Name())
	}
	want := []string{"zai", "qwen", "k2", "grok", "longcat"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("List = %v", names)
		}
	}
}
