package template

import (
	"strings"
)

var specFields = map[string]struct{}{
	"serviceAccountName": {},
	"nodeName":           {},
	"hostname":           {},
	"subdomain":          {},
	"priorityClassName":  {},
}

var metadataFields = map[string]struct{}{
	"name":      {},
	"namespace": {},
	"uid":       {},
}

// Parse tokenizes src into literal and field segments and validates every
// reference against the known sections and fields.
func Parse(src string) (*Template, error) {
	t := &Template{source: src}

	var literal strings.Builder
	flush := func() {
		if literal.Len() > 0 {
			t.segments = append(t.segments, Segment{Kind: LiteralSegment, Text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '{':
			end := strings.IndexAny(src[i+1:], "{}")
			if end < 0 || src[i+1+end] != '}' {
				return nil, &ParseError{Template: src, Offset: i, Reason: "unterminated field reference"}
			}

			ref := strings.TrimSpace(src[i+1 : i+1+end])
			seg, err := parseReference(ref)
			if err != nil {
				err.Template = src
				err.Offset = i
				return nil, err
			}

			flush()
			t.segments = append(t.segments, seg)
			i += end + 1
		case '}':
			return nil, &ParseError{Template: src, Offset: i, Reason: "unexpected '}'"}
		default:
			literal.WriteByte(src[i])
		}
	}
	flush()

	return t, nil
}

// MustParse is like Parse but panics on error. Intended for constants.
func MustParse(src string) *Template {
	t, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return t
}

func parseReference(ref string) (Segment, *ParseError) {
	if ref == "" {
		return Segment{}, &ParseError{Reason: "empty field reference"}
	}

	section, path, ok := strings.Cut(ref, ".")
	if !ok || path == "" {
		return Segment{}, &ParseError{
			Reference: ref,
			Reason:    "expected <section>.<field>",
		}
	}

	switch section {
	case SectionMetadata:
		if !validMetadataPath(path) {
			return Segment{}, &ParseError{Reference: ref, Reason: "unknown metadata field"}
		}
	case SectionSpec:
		if _, known := specFields[path]; !known {
			return Segment{}, &ParseError{Reference: ref, Reason: "unknown spec field"}
		}
	default:
		return Segment{}, &ParseError{Reference: ref, Reason: "unknown section " + section}
	}

	return Segment{
		Kind:    FieldSegment,
		Text:    ref,
		Section: section,
		Path:    path,
	}, nil
}

func validMetadataPath(path string) bool {
	if _, known := metadataFields[path]; known {
		return true
	}
	for _, prefix := range []string{"labels.", "annotations."} {
		if key, ok := strings.CutPrefix(path, prefix); ok {
			return key != ""
		}
	}
	return false
}
