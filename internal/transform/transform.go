// Package transform maps legacy records to destination documents.
package transform

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/source"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/target"
)

// ValidationError reports a record that cannot become a valid document.
type ValidationError struct {
	EntityID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s %s", e.EntityID, e.Field, e.Reason)
}

// Output is everything one record produces. Every document's Key doubles as
// its dedup key within a page.
type Output struct {
	Primary   target.Document
	Secondary []target.Document
	Skipped   int // child rows dropped for an unknown type
}

// MappingTransformer applies a pipeline's field mapping.
type MappingTransformer struct {
	documentType string
	mapping      config.TargetMapping
	log          logging.Component
}

// New builds the transformer of a pipeline.
func New(p *config.PipelineConfig) *MappingTransformer {
	return &MappingTransformer{
		documentType: p.DocumentType,
		mapping:      p.Target,
		log:          logging.For("transform"),
	}
}

// Transform maps one record. It fails only for the primary document; bad
// child rows are skipped with a warning.
func (t *MappingTransformer) Transform(rec source.Record) (Output, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return Output{}, &ValidationError{EntityID: "<empty>", Field: "id", Reason: "is empty"}
	}

	body := mapFields(rec.Fields, t.mapping.Fields)
	body["documentType"] = t.documentType
	for _, field := range t.mapping.Required {
		if isEmpty(body[field]) {
			return Output{}, &ValidationError{EntityID: rec.ID, Field: field, Reason: "is required"}
		}
	}

	out := Output{
		Primary: target.Document{
			Key:        dedupKey(rec.ID, t.mapping.Collection, t.documentType),
			Collection: t.mapping.Collection,
			LegacyID:   rec.ID,
			Body:       body,
		},
	}

	if t.mapping.Children == nil {
		return out, nil
	}
	cm := t.mapping.Children
	for _, row := range rec.Children {
		child := mapFields(row, cm.Fields)
		kind := toString(child[cm.TypeField])
		if cm.TypeField != "" && len(cm.AllowedTypes) > 0 && !slices.Contains(cm.AllowedTypes, kind) {
			t.log.Warn("skipping %s child of %s: type %q not allowed", cm.Collection, rec.ID, kind)
			out.Skipped++
			continue
		}
		child["documentType"] = cm.DocumentType
		child["parentId"] = rec.ID

		parts := []string{rec.ID}
		for _, f := range cm.ScopeFields {
			parts = append(parts, toString(child[f]))
		}
		if kind == "" {
			kind = cm.DocumentType
		}
		parts = append(parts, kind)

		out.Secondary = append(out.Secondary, target.Document{
			Key:        dedupKey(parts...),
			Collection: cm.Collection,
			LegacyID:   rec.ID,
			Body:       child,
		})
	}
	return out, nil
}

// mapFields renames columns to document fields. An empty mapping copies every column.
func mapFields(row map[string]any, fields map[string]string) map[string]any {
	out := make(map[string]any, len(row)+2)
	if len(fields) == 0 {
		for col, v := range row {
			out[col] = normalize(v)
		}
		return out
	}
	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		if v, ok := row[col]; ok {
			out[fields[col]] = normalize(v)
		}
	}
	return out
}

func normalize(v any) any {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return v
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func dedupKey(parts ...string) string {
	return strings.Join(parts, "-")
}
