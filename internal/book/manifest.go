package book

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/taleforge/api/internal/model"
)

const (
	DefaultDPI        = 300
	DefaultPageSizePx = 2551
)

// Manifest describes the pages, prompts and output geometry of one book.
type Manifest struct {
	Slug           string     `json:"slug"`
	PositivePrompt string     `json:"positive_prompt"`
	Pages          []PageSpec `json:"pages"`
	Output         OutputSpec `json:"output"`
}

type OutputSpec struct {
	DPI        int `json:"dpi"`
	PageSizePx int `json:"page_size_px"`
}

// Availability tells which stages a page is produced in.
type Availability struct {
	Prepay  bool `json:"prepay"`
	Postpay bool `json:"postpay"`
}

type PageSpec struct {
	PageNum        int          `json:"page_num"`
	BaseURI        string       `json:"base_uri"`
	NeedsFaceSwap  bool         `json:"needs_face_swap"`
	TextLayers     []TextLayer  `json:"text_layers"`
	Availability   Availability `json:"availability"`
	Prompt         string       `json:"prompt,omitempty"`
	NegativePrompt string       `json:"negative_prompt,omitempty"`
}

// TextLayer is one text overlay pass. Exactly one of TextKey and
// TextTemplate is set.
type TextLayer struct {
	TextKey        string                 `json:"text_key,omitempty"`
	TextTemplate   string                 `json:"text_template,omitempty"`
	TemplateEngine string                 `json:"template_engine"`
	TemplateVars   []string               `json:"template_vars"`
	FontURI        string                 `json:"font_uri,omitempty"`
	Style          map[string]interface{} `json:"style,omitempty"`
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	type alias Manifest
	a := alias{Output: OutputSpec{DPI: DefaultDPI, PageSizePx: DefaultPageSizePx}}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Manifest(a)
	return nil
}

func (p *PageSpec) UnmarshalJSON(data []byte) error {
	type alias PageSpec
	a := alias{Availability: Availability{Prepay: false, Postpay: true}}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = PageSpec(a)
	return nil
}

func (l *TextLayer) UnmarshalJSON(data []byte) error {
	type alias TextLayer
	a := alias{TemplateEngine: "format", TemplateVars: []string{"child_name"}}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*l = TextLayer(a)
	return nil
}

// PageByNum returns the page with the given number.
func (m *Manifest) PageByNum(n int) (*PageSpec, bool) {
	for i := range m.Pages {
		if m.Pages[i].PageNum == n {
			return &m.Pages[i], true
		}
	}
	return nil, false
}

//go:embed manifest.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func manifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("manifest.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("failed to load manifest schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("manifest.schema.json")
	})
	return schema, schemaErr
}

// Parse decodes and validates a manifest document. The slug is injected
// when the document does not carry one.
func Parse(raw []byte, slug string) (*Manifest, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &model.StorageError{Op: "decode", Key: ManifestKey(slug), Err: err}
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, &model.StorageError{Op: "decode", Key: ManifestKey(slug), Err: fmt.Errorf("manifest is not a JSON object")}
	}
	if s, _ := obj["slug"].(string); s == "" {
		obj["slug"] = slug
	}

	sch, err := manifestSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(obj); err != nil {
		return nil, &model.ManifestValidationError{Slug: slug, Reason: err.Error()}
	}

	normalized, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(normalized, &m); err != nil {
		return nil, &model.ManifestValidationError{Slug: slug, Reason: err.Error()}
	}

	if err := m.normalize(); err != nil {
		return nil, err
	}
	return &m, nil
}

// normalize canonicalizes prompts and enforces the rules the schema cannot
// express.
func (m *Manifest) normalize() error {
	m.PositivePrompt = JoinPromptParts(m.PositivePrompt)
	if m.PositivePrompt == "" {
		return &model.ManifestValidationError{Slug: m.Slug, Reason: "positive_prompt is empty"}
	}
	if m.Output.PageSizePx <= 0 {
		return &model.ManifestValidationError{Slug: m.Slug, Reason: "output.page_size_px must be positive"}
	}

	seen := make(map[int]bool, len(m.Pages))
	for i := range m.Pages {
		p := &m.Pages[i]
		if seen[p.PageNum] {
			return &model.ManifestValidationError{Slug: m.Slug, Reason: fmt.Sprintf("duplicate page_num %d", p.PageNum)}
		}
		seen[p.PageNum] = true

		if strings.TrimSpace(p.BaseURI) == "" {
			return &model.ManifestValidationError{Slug: m.Slug, Reason: fmt.Sprintf("page %d: base_uri is empty", p.PageNum)}
		}
		for j, layer := range p.TextLayers {
			hasKey := strings.TrimSpace(layer.TextKey) != ""
			hasTemplate := strings.TrimSpace(layer.TextTemplate) != ""
			switch {
			case !hasKey && !hasTemplate:
				return &model.ManifestValidationError{Slug: m.Slug, Reason: fmt.Sprintf("page %d layer %d: requires text_key or text_template", p.PageNum, j)}
			case hasKey && hasTemplate:
				return &model.ManifestValidationError{Slug: m.Slug, Reason: fmt.Sprintf("page %d layer %d: text_key and text_template are exclusive", p.PageNum, j)}
			}
		}
	}
	return nil
}
