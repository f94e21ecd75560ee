package tool

import (
	mcpclient "github.com/petal-labs/researchflow/tool/mcp"
)

// FragmentKind discriminates the content fragments of a tool result.
type FragmentKind int

const (
	// FragmentText carries plain text in Fragment.Text.
	FragmentText FragmentKind = iota
	// FragmentOther is any non-text content (image, audio, resource, ...).
	FragmentOther
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentText:
		return "text"
	case FragmentOther:
		return "other"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name in JSON output.
func (k FragmentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Fragment is one typed unit of a tool call result.
type Fragment struct {
	Kind FragmentKind `json:"kind"`
	Text string       `json:"text,omitempty"`

	// Type is the content type reported by the server ("image", "resource", ...).
	Type     string `json:"type,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// TextFragment builds a text fragment.
func TextFragment(text string) Fragment {
	return Fragment{Kind: FragmentText, Type: "text", Text: text}
}

// CallResult is the outcome of one successful tool invocation. Fragment
// order matches the server's content order.
type CallResult struct {
	Fragments  []Fragment     `json:"fragments"`
	Structured map[string]any `json:"structured,omitempty"`
}

func newCallResult(result mcpclient.ToolsCallResult) CallResult {
	fragments := make([]Fragment, 0, len(result.Content))
	for _, block := range result.Content {
		if block.Type == "text" {
			fragments = append(fragments, TextFragment(block.Text))
			continue
		}
		fragments = append(fragments, Fragment{
			Kind:     FragmentOther,
			Type:     block.Type,
			Data:     block.Data,
			MimeType: block.MimeType,
			URI:      block.URI,
		})
	}
	return CallResult{
		Fragments:  fragments,
		Structured: cloneAnyMap(result.StructuredContent),
	}
}
