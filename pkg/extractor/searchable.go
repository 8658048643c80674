package extractor

import (
	"strings"

	"github.com/m-mizutani/keepr/pkg/model"
)

// attribute keys folded into the searchable text, per memory type
var searchableKeys = map[model.MemoryType][]string{
	model.MemoryTypeText:  {"keywords", "topics", "entities", "tags", "category"},
	model.MemoryTypeLink:  {"tags", "category", "platform", "content_type"},
	model.MemoryTypeImage: {"description", "objects", "activities", "tags", "text_content", "scene", "mood", "colors"},
}

// SearchableText builds the text that is embedded for a memory. Extra parts,
// such as TimestampText, are appended as given.
func SearchableText(m *model.Memory, extra ...string) string {
	parts := []string{m.Title}

	switch p := m.Payload.(type) {
	case *model.TextPayload:
		parts = append(parts, p.Content)
	case *model.LinkPayload:
		parts = append(parts, firstNonEmpty(p.Description, m.Attributes["description"]), p.URL)
	}

	for _, key := range searchableKeys[m.Type] {
		parts = append(parts, m.Attributes[key])
	}
	parts = append(parts, extra...)

	kept := parts[:0]
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " ")
}
