package project

import (
	"html"
	"strings"
)

// blockTags are elements whose close implies a line break in the plain
// projection.
var blockTags = map[string]struct{}{
	"p": {}, "div": {}, "li": {}, "br": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"blockquote": {}, "tr": {}, "pre": {},
}

// HTMLToText projects editor HTML onto the plain text the replicated body
// would hold: tags stripped, entities decoded, block boundaries collapsed to
// single newlines. This is the projection cached on Document before the
// replicated body has synced.
func HTMLToText(markup string) string {
	var out strings.Builder
	var tag strings.Builder
	inTag := false

	for _, r := range markup {
		switch {
		case inTag:
			if r == '>' {
				name := tagName(tag.String())
				if _, ok := blockTags[name]; ok {
					out.WriteByte('\n')
				}
				tag.Reset()
				inTag = false
			} else {
				tag.WriteRune(r)
			}
		case r == '<':
			inTag = true
		default:
			out.WriteRune(r)
		}
	}

	text := html.UnescapeString(out.String())

	// Collapse runs of blank lines left by nested block elements.
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// tagName extracts the element name from raw tag innards like
// "/p", "br/", or `a href="..."`.
func tagName(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "/")
	raw = strings.TrimSuffix(raw, "/")
	if i := strings.IndexAny(raw, " \t\n"); i >= 0 {
		raw = raw[:i]
	}
	return strings.ToLower(raw)
}

// TextToHTML wraps plain text lines in paragraph tags, escaping as needed.
// Used when rendering a replicated body back into the cached projection.
func TextToHTML(text string) string {
	if text == "" {
		return ""
	}
	var out strings.Builder
	for _, line := range strings.Split(text, "\n") {
		out.WriteString("<p>")
		out.WriteString(html.EscapeString(line))
		out.WriteString("</p>")
	}
	return out.String()
}
