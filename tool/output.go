package tool

import (
	"strings"
)

// NoTextContent is the normalized text of a result with no text fragments.
// It lets consumers tell "ran but said nothing" apart from a failure.
const NoTextContent = "(no text content)"

// Normalize flattens a call result into text: every non-empty text fragment,
// in order, joined with newlines. Whitespace is kept verbatim. Non-text
// fragments are left to structured consumers of the CallResult.
func Normalize(result CallResult) string {
	parts := make([]string, 0, len(result.Fragments))
	for _, fragment := range result.Fragments {
		switch fragment.Kind {
		case FragmentText:
			if fragment.Text != "" {
				parts = append(parts, fragment.Text)
			}
		case FragmentOther:
		}
	}
	if len(parts) == 0 {
		return NoTextContent
	}
	return strings.Join(parts, "\n")
}

// Attachments returns the non-text fragments of a result.
func Attachments(result CallResult) []Fragment {
	out := make([]Fragment, 0)
	for _, fragment := range result.Fragments {
		if fragment.Kind == FragmentOther {
			out = append(out, fragment)
		}
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
