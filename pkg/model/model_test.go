package model

import "testing"

func TestParsePlainModel(t *testing.T) {
	p := Parse("qwen-max")
	if p.BaseModel != "qwen-max" || p.ChatType != ChatTypeText {
		t.Fatalf("unexpected parse: %+v", p)
	}
	if p.Thinking || p.Search || p.Image || p.ImageEdit || p.Video || p.DeepResearch {
		t.Fatalf("expected no flags, got %+v", p)
	}
}

func TestParseImageEditDoesNotSetImage(t *testing.T) {
	p := Parse("qwen-max-image_edit")
	if !p.ImageEdit {
		t.Fatal("expected image_edit flag")
	}
	if p.Image {
		t.Fatal("image flag must not be set for -image_edit")
	}
	if p.ChatType != ChatTypeImageEdit || p.BaseModel != "qwen-max" {
		t.Fatalf("unexpected parse: %+v", p)
	}

	p = Parse("qwen-max-image")
	if !p.Image || p.ImageEdit {
		t.Fatalf("unexpected flags for -image: %+v", p)
	}
	if p.ChatType != ChatTypeImage {
		t.Fatalf("expected t2i, got %q", p.ChatType)
	}
}

func TestParseRoundTripsBaseModel(t *testing.T) {
	bases := []string{"qwen-max", "glm-4.6", "grok-4", "k2-think", "LongCat-Flash-Chat", "x"}
	suffixes := []string{SuffixThinking, SuffixSearch, SuffixImage, SuffixImageEdit, SuffixVideo}
	for _, base := range bases {
		for _, suffix := range suffixes {
			got := Parse(base + suffix).BaseModel
			if got != base {
				t.Fatalf("Parse(%q).BaseModel = %q, want %q", base+suffix, got, base)
			}
		}
	}
}

func TestParseCombinedSuffixesAnyOrder(t *testing.T) {
	a := Parse("qwen-max-thinking-search")
	b := Parse("qwen-max-search-thinking")
	if a != b {
		t.Fatalf("suffix order changed result: %+v vs %+v", a, b)
	}
	if !a.Thinking || !a.Search || a.BaseModel != "qwen-max" || a.ChatType != ChatTypeSearch {
		t.Fatalf("unexpected parse: %+v", a)
	}
}

func TestParseDeepResearch(t *testing.T) {
	p := Parse("qwen-max-deep-research")
	if !p.DeepResearch || p.ChatType != ChatTypeDeepResearch || p.BaseModel != "qwen-max" {
		t.Fatalf("unexpected parse: %+v", p)
	}
	if p.Search {
		t.Fatal("deep-research must not be read as -search")
	}
}

func TestParseIsTotalAndDeterministic(t *testing.T) {
	inputs := []string{"", "-", "-image", "-thinking-image_edit", "a-image_edit-image", "deep-research", "ü-video", "---"}
	for _, in := range inputs {
		first := Parse(in)
		second := Parse(in)
		if first != second {
			t.Fatalf("Parse(%q) not deterministic: %+v vs %+v", in, first, second)
		}
		if first.ChatType == "" {
			t.Fatalf("Parse(%q) returned empty chat type", in)
		}
	}
	if got := Parse("").BaseModel; got != "" {
		t.Fatalf("empty input should keep empty base, got %q", got)
	}
	if got := Parse("-image").BaseModel; got != "-image" {
		t.Fatalf("suffix-only input should keep original name, got %q", got)
	}
}

func TestParseImageEditAndImageBothPresent(t *testing.T) {
	p := Parse("a-image_edit-image")
	if !p.ImageEdit || !p.Image || p.ChatType != ChatTypeImageEdit || p.BaseModel != "a" {
		t.Fatalf("unexpected parse: %+v", p)
	}
}

func TestNeedsSession(t *testing.T) {
	if Parse("qwen-max").NeedsSession() {
		t.Fatal("text chat should not need a session")
	}
	for _, name := range []string{"qwen-max-image", "qwen-max-image_edit", "qwen-max-video"} {
		if !Parse(name).NeedsSession() {
			t.Fatalf("%s should need a session", name)
		}
	}
}

func TestExpand(t *testing.T) {
	got := Expand("glm-4.6", "thinking", "-search", " ")
	want := []string{"glm-4.6", "glm-4.6-thinking", "glm-4.6-search"}
	if len(got) != len(want) {
		t.Fatalf("Expand len = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expand[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
