package render

import (
	"errors"
	"fmt"
	"strings"

	"github.com/taleforge/api/internal/book"
)

var (
	ErrUnsupportedEngine = errors.New("unsupported template engine")
	ErrMissingVariable   = errors.New("missing template variable")
	ErrEmptyLayer        = errors.New("text layer has neither text_template nor text_key")
)

// RenderTemplate resolves the text of a layer. The "format" engine replaces
// {name} with vars[name]; {{ and }} produce literal braces.
func RenderTemplate(layer book.TextLayer, vars map[string]string) (string, error) {
	tmpl := layer.TextTemplate
	if tmpl == "" {
		tmpl = layer.TextKey
	}
	if tmpl == "" {
		return "", ErrEmptyLayer
	}

	engine := strings.ToLower(strings.TrimSpace(layer.TemplateEngine))
	if engine == "" {
		engine = "format"
	}
	if engine != "format" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedEngine, layer.TemplateEngine)
	}
	return formatTemplate(tmpl, vars)
}

func formatTemplate(tmpl string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed placeholder at offset %d", i)
			}
			name := tmpl[i+1 : i+1+end]
			if name == "" || strings.ContainsAny(name, "{ ") {
				return "", fmt.Errorf("invalid placeholder %q", name)
			}
			val, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrMissingVariable, name)
			}
			b.WriteString(val)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("single '}' at offset %d", i)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
