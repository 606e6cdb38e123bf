package render

import (
	"fmt"
	"strconv"
	"strings"
)

// Style is the merged rendering settings of one text layer.
type Style map[string]interface{}

// DefaultStyle returns a fresh copy of the base text settings.
func DefaultStyle() Style {
	return Style{
		"target_size":    2551,
		"font_size":      70,
		"font_family":    "CustomFont, 'Comic Sans MS', sans-serif",
		"font_weight":    600,
		"line_height":    1.15,
		"text_align":     "left",
		"stroke_width":   0,
		"stroke_color":   "#ffffff",
		"color":          "#ffffff",
		"shadow_color":   "0,0,0",
		"shadow_opacity": 1.0,
		"shadow_offset":  4,
		"shadow_blur":    []int{0, 20, 40, 60},
		"box_w":          1611,
		"box_h":          1784,
		"top":            451,
		"margin_left":    -36,
		"white_space":    "pre-line",
	}
}

// MergeStyle overlays a layer's style on the defaults and pins the target
// size.
func MergeStyle(override map[string]interface{}, targetSize int) Style {
	s := DefaultStyle()
	for k, v := range override {
		s[k] = v
	}
	s["target_size"] = targetSize
	return s
}

func (s Style) Int(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return int(n)
	}
	return 0
}

func (s Style) Float(key string) float64 {
	switch v := s[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	}
	return 0
}

func (s Style) String(key string) string {
	switch v := s[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (s Style) Bool(key string) bool {
	switch v := s[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

func (s Style) Ints(key string) []int {
	switch v := s[key].(type) {
	case []int:
		return v
	case []interface{}:
		out := make([]int, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			}
		}
		return out
	case float64:
		return []int{int(v)}
	case int:
		return []int{v}
	}
	return nil
}

// TitleSizes returns the font sizes of the title-big and title-small spans.
func (s Style) TitleSizes() (big, small int) {
	fontSize := s.Int("font_size")
	big = fontSize * 2
	if fontSize+80 > big {
		big = fontSize + 80
	}
	if _, ok := s["title_big_size"]; ok {
		big = s.Int("title_big_size")
	}
	small = fontSize
	if _, ok := s["title_small_size"]; ok {
		small = s.Int("title_small_size")
	}
	return big, small
}

func hexToRGB(hex string) (r, g, b int, err error) {
	h := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return 0, 0, 0, fmt.Errorf("invalid hex color %q", hex)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid hex color %q", hex)
	}
	return int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff), nil
}

// strokeShadows approximates an outline with 16 offset copies of the text.
func strokeShadows(width int, color string) ([]string, error) {
	if width <= 0 {
		return nil, nil
	}
	r, g, b, err := hexToRGB(color)
	if err != nil {
		return nil, err
	}
	c := fmt.Sprintf("rgb(%d,%d,%d)", r, g, b)
	// halves round toward negative infinity, so -w/2 and w/2 differ for odd w
	w, lo, hi := width, floorDiv(-width, 2), floorDiv(width, 2)
	offsets := [][2]int{
		{-w, 0}, {w, 0}, {0, -w}, {0, w},
		{-w, -w}, {-w, w}, {w, -w}, {w, w},
		{-w, lo}, {-w, hi}, {w, lo}, {w, hi},
		{lo, -w}, {hi, -w}, {lo, w}, {hi, w},
	}
	out := make([]string, 0, len(offsets))
	for _, o := range offsets {
		if o[0] == 0 && o[1] == 0 {
			continue
		}
		out = append(out, fmt.Sprintf("%dpx %dpx 0 %s", o[0], o[1], c))
	}
	return out, nil
}

func dropShadows(offset int, blurs []int, color string, opacity float64) []string {
	rgba := fmt.Sprintf("rgba(%s,%s)", color, strconv.FormatFloat(opacity, 'f', -1, 64))
	out := make([]string, 0, len(blurs))
	for _, blur := range blurs {
		out = append(out, fmt.Sprintf("%dpx %dpx %dpx %s", offset, offset, blur, rgba))
	}
	return out
}

// TextShadowCSS builds the text-shadow value: outline layers first, then
// the drop shadow.
func (s Style) TextShadowCSS() (string, error) {
	stroke, err := strokeShadows(s.Int("stroke_width"), s.strokeColor())
	if err != nil {
		return "", err
	}
	layers := append(stroke, dropShadows(s.Int("shadow_offset"), s.Ints("shadow_blur"), s.String("shadow_color"), s.Float("shadow_opacity"))...)
	if len(layers) == 0 {
		return "none", nil
	}
	return strings.Join(layers, ",\n  "), nil
}

func (s Style) strokeColor() string {
	if c := s.String("stroke_color"); c != "" {
		return c
	}
	return "#ffffff"
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
