package book

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/taleforge/api/internal/client"
	"github.com/taleforge/api/internal/model"
)

const sampleManifest = `{
  "positive_prompt": " watercolor storybook, ",
  "pages": [
    {"page_num": 2, "base_uri": "s3://books/templates/fox/page_02.png", "needs_face_swap": true, "prompt": "smiling"},
    {"page_num": 1, "base_uri": "s3://books/templates/fox/page_01.png",
     "text_layers": [{"text_template": "Hello {child_name}", "style": {"font_size": 90}}]},
    {"page_num": 3, "base_uri": "s3://books/templates/fox/page_03.png", "availability": {"prepay": true, "postpay": false}}
  ]
}`

func TestParse_Defaults(t *testing.T) {
	m, err := Parse([]byte(sampleManifest), "fox")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Slug != "fox" {
		t.Errorf("slug not injected: %q", m.Slug)
	}
	if m.PositivePrompt != "watercolor storybook" {
		t.Errorf("positive prompt not normalized: %q", m.PositivePrompt)
	}
	if m.Output.DPI != DefaultDPI || m.Output.PageSizePx != DefaultPageSizePx {
		t.Errorf("output defaults not applied: %+v", m.Output)
	}

	p1, ok := m.PageByNum(1)
	if !ok {
		t.Fatal("page 1 missing")
	}
	if p1.Availability.Prepay || !p1.Availability.Postpay {
		t.Errorf("availability defaults not applied: %+v", p1.Availability)
	}
	layer := p1.TextLayers[0]
	if layer.TemplateEngine != "format" || len(layer.TemplateVars) != 1 || layer.TemplateVars[0] != "child_name" {
		t.Errorf("text layer defaults not applied: %+v", layer)
	}

	p3, _ := m.PageByNum(3)
	if !p3.Availability.Prepay || p3.Availability.Postpay {
		t.Errorf("explicit availability overridden: %+v", p3.Availability)
	}
	if _, ok := m.PageByNum(9); ok {
		t.Errorf("unexpected page 9")
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"blank positive prompt", `{"positive_prompt": "  , ", "pages": [{"page_num": 1, "base_uri": "a.png"}]}`},
		{"missing positive prompt", `{"pages": [{"page_num": 1, "base_uri": "a.png"}]}`},
		{"layer without source", `{"positive_prompt": "x", "pages": [{"page_num": 1, "base_uri": "a.png", "text_layers": [{"style": {}}]}]}`},
		{"layer with both sources", `{"positive_prompt": "x", "pages": [{"page_num": 1, "base_uri": "a.png", "text_layers": [{"text_key": "a", "text_template": "b"}]}]}`},
		{"duplicate page", `{"positive_prompt": "x", "pages": [{"page_num": 1, "base_uri": "a.png"}, {"page_num": 1, "base_uri": "b.png"}]}`},
		{"zero page size", `{"positive_prompt": "x", "output": {"page_size_px": 0}, "pages": [{"page_num": 1, "base_uri": "a.png"}]}`},
		{"no pages", `{"positive_prompt": "x", "pages": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw), "fox")
			var mv *model.ManifestValidationError
			if !errors.As(err, &mv) {
				t.Fatalf("expected ManifestValidationError, got %v", err)
			}
		})
	}
}

func TestParse_NotAnObject(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `not json`} {
		_, err := Parse([]byte(raw), "fox")
		var se *model.StorageError
		if !errors.As(err, &se) {
			t.Errorf("Parse(%q) expected StorageError, got %v", raw, err)
		}
	}
}

func TestLoader_Load(t *testing.T) {
	ctx := context.Background()
	store := client.NewMemoryStorage("books")
	if _, err := store.Put(ctx, ManifestKey("fox"), []byte(sampleManifest), "application/json"); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(store)
	m, err := l.Load(ctx, "fox")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Pages) != 3 {
		t.Errorf("pages = %d", len(m.Pages))
	}

	_, err = l.Load(ctx, "missing")
	var se *model.StorageError
	if !errors.As(err, &se) || !strings.Contains(se.Key, "templates/missing/manifest.json") {
		t.Errorf("expected StorageError for missing manifest, got %v", err)
	}
}

func TestJoinPromptParts(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"a", "b"}, "a, b"},
		{[]string{" ,a, ", "", " , ", "b,"}, "a, b"},
		{[]string{"storybook, soft light", "child portrait"}, "storybook, soft light, child portrait"},
		{nil, ""},
	}
	for _, tt := range tests {
		got := JoinPromptParts(tt.in...)
		if got != tt.want {
			t.Errorf("JoinPromptParts(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if again := JoinPromptParts(got); again != got {
			t.Errorf("JoinPromptParts not idempotent: %q -> %q", got, again)
		}
	}
}

func TestPositivePrompt(t *testing.T) {
	m := &Manifest{PositivePrompt: "storybook"}
	if got := PositivePrompt(m, &PageSpec{Prompt: "waving"}, "neutral"); got != "storybook, waving" {
		t.Errorf("page prompt should win: %q", got)
	}
	if got := PositivePrompt(m, &PageSpec{}, "neutral"); got != "storybook, neutral" {
		t.Errorf("common prompt fallback: %q", got)
	}
	if got := PositivePrompt(m, &PageSpec{}, ""); got != "storybook, child portrait" {
		t.Errorf("default prompt fallback: %q", got)
	}
	if got := NegativePrompt(&PageSpec{}, ""); got != DefaultNegativePrompt {
		t.Errorf("negative default: %q", got)
	}
}
