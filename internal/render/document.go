package render

import (
	"bytes"
	"html"
	"path"
	"strings"
	"text/template"

	"github.com/taleforge/api/pkg/imageutil"
)

var documentTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
{{- if .FontDataURI}}
@font-face {
  font-family: 'CustomFont';
  src: url('{{.FontDataURI}}');
}
{{- end}}

html, body {
  margin: 0;
  padding: 0;
  width: {{.Size}}px;
  height: {{.Size}}px;
  overflow: hidden;
}

body {
  background: url('{{.BackgroundDataURI}}') center center / cover no-repeat;
  display: flex;
  justify-content: center;
  align-items: flex-start;
}

.text {
  position: relative;
  margin-top: {{.Top}}px;
  margin-left: {{.MarginLeft}}px;
  width: {{.BoxW}}px;
  height: {{.BoxH}}px;
}

.fill {
  color: {{.Color}};
  font-family: {{.FontFamily}};
  font-size: {{.FontSize}}px;
  font-weight: {{.FontWeight}};
  line-height: {{.LineHeight}};
  text-align: {{.TextAlign}};
  white-space: {{.WhiteSpace}};
  -webkit-font-smoothing: antialiased;
  text-rendering: geometricPrecision;
  text-stroke: {{.StrokeWidth}}px {{.StrokeColor}};
  -webkit-text-stroke: {{.StrokeWidth}}px {{.StrokeColor}};
  paint-order: stroke fill;
  text-shadow:
  {{.TextShadow}};
}

.fill * {
  -webkit-text-stroke: inherit;
  text-stroke: inherit;
  paint-order: inherit;
}

.title-big {
  font-size: {{.TitleBig}}px;
  line-height: 1.0;
  display: inline-block;
}

.title-small {
  font-size: {{.TitleSmall}}px;
  line-height: 1.05;
  display: inline-block;
}
</style>
</head>
<body>
  <div class="text">
    <div class="fill">{{.Text}}</div>
  </div>
</body>
</html>
`))

type document struct {
	BackgroundDataURI string
	FontDataURI       string
	Text              string
	Size              int
	Top               int
	MarginLeft        int
	BoxW              int
	BoxH              int
	Color             string
	FontFamily        string
	FontSize          int
	FontWeight        string
	LineHeight        string
	TextAlign         string
	WhiteSpace        string
	StrokeWidth       int
	StrokeColor       string
	TextShadow        string
	TitleBig          int
	TitleSmall        int
}

// BuildDocument renders the HTML page for one text layer. text is escaped
// here, or sanitized when the style allows title markup.
func BuildDocument(bgDataURI, fontDataURI, text string, s Style) (string, error) {
	shadow, err := s.TextShadowCSS()
	if err != nil {
		return "", err
	}

	safe := html.EscapeString(text)
	if s.Bool("allow_title_html") {
		safe = SanitizeTitleHTML(text)
	}

	big, small := s.TitleSizes()
	doc := document{
		BackgroundDataURI: bgDataURI,
		FontDataURI:       fontDataURI,
		Text:              safe,
		Size:              s.Int("target_size"),
		Top:               s.Int("top"),
		MarginLeft:        s.Int("margin_left"),
		BoxW:              s.Int("box_w"),
		BoxH:              s.Int("box_h"),
		Color:             s.String("color"),
		FontFamily:        s.String("font_family"),
		FontSize:          s.Int("font_size"),
		FontWeight:        s.String("font_weight"),
		LineHeight:        s.String("line_height"),
		TextAlign:         s.String("text_align"),
		WhiteSpace:        s.String("white_space"),
		StrokeWidth:       s.Int("stroke_width"),
		StrokeColor:       s.strokeColor(),
		TextShadow:        shadow,
		TitleBig:          big,
		TitleSmall:        small,
	}

	var buf bytes.Buffer
	if err := documentTmpl.Execute(&buf, doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var fontMIME = map[string]string{
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".woff":  "font/woff",
	".woff2": "font/woff2",
}

// FontDataURI embeds font bytes, picking the MIME type from the file name.
func FontDataURI(name string, data []byte) string {
	mime, ok := fontMIME[strings.ToLower(path.Ext(name))]
	if !ok {
		mime = "application/octet-stream"
	}
	return imageutil.DataURI(mime, data)
}
