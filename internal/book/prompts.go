package book

import "strings"

const (
	DefaultPagePrompt     = "child portrait"
	DefaultNegativePrompt = "low quality, bad face, distorted"
)

// JoinPromptParts trims each part, strips commas hugging its ends, drops
// empty parts and joins the rest with ", ".
func JoinPromptParts(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, " \t\r\n,")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}

// PositivePrompt composes the face swap prompt for a page. The page prompt
// wins over the job's common prompt.
func PositivePrompt(m *Manifest, page *PageSpec, commonPrompt string) string {
	subject := strings.TrimSpace(page.Prompt)
	if subject == "" {
		subject = strings.TrimSpace(commonPrompt)
	}
	if subject == "" {
		subject = DefaultPagePrompt
	}
	return JoinPromptParts(m.PositivePrompt, subject)
}

// NegativePrompt returns the page negative prompt or fallback when unset.
func NegativePrompt(page *PageSpec, fallback string) string {
	if neg := strings.TrimSpace(page.NegativePrompt); neg != "" {
		return neg
	}
	if fallback != "" {
		return fallback
	}
	return DefaultNegativePrompt
}
