// Package exporters writes the glossary out to a flat file, for the `export` CLI command:
// one small interface with a JSON and a YAML implementation, both driven by the same
// entry-to-map conversion and status/tag filtering.
package exporters

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"terrarium-annotator/pkg/persistence"
)

// Exporter writes a filtered set of glossary entries to a file, reporting how many were written.
type Exporter interface {
	// Extension is the file extension without a leading dot, e.g. "json" or "yaml".
	Extension() string
	Export(entries []persistence.GlossaryEntry, outputPath string) (int, error)
}

// Filter narrows the entries an export considers: an empty Status matches any status, and Tags
// (when non-empty) requires at least one of the listed tags to be present on the entry.
type Filter struct {
	Status string
	Tags   []string
}

// Apply returns the subset of entries matching f.
func (f Filter) Apply(entries []persistence.GlossaryEntry) []persistence.GlossaryEntry {
	if f.Status == "" && len(f.Tags) == 0 {
		return entries
	}
	out := make([]persistence.GlossaryEntry, 0, len(entries))
	for _, e := range entries {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if len(f.Tags) > 0 && !hasAnyTag(e.Tags, f.Tags) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func hasAnyTag(entryTags, wanted []string) bool {
	for _, w := range wanted {
		for _, t := range entryTags {
			if strings.EqualFold(t, w) {
				return true
			}
		}
	}
	return false
}

// entryRecord is the exported shape of one glossary entry, matching the original exporter's
// entry_to_dict field set exactly (field order fixed for YAML's sort_keys=False equivalent).
type entryRecord struct {
	ID                  int64    `json:"id" yaml:"id"`
	Term                string   `json:"term" yaml:"term"`
	Definition          string   `json:"definition" yaml:"definition"`
	Status              string   `json:"status" yaml:"status"`
	Tags                []string `json:"tags" yaml:"tags"`
	FirstSeenPostID     int64    `json:"first_seen_post_id" yaml:"first_seen_post_id"`
	FirstSeenThreadID   int64    `json:"first_seen_thread_id" yaml:"first_seen_thread_id"`
	LastUpdatedPostID   int64    `json:"last_updated_post_id" yaml:"last_updated_post_id"`
	LastUpdatedThreadID int64    `json:"last_updated_thread_id" yaml:"last_updated_thread_id"`
	CreatedAt           string   `json:"created_at" yaml:"created_at"`
	UpdatedAt           string   `json:"updated_at" yaml:"updated_at"`
}

type exportDoc struct {
	Entries []entryRecord `json:"entries" yaml:"entries"`
	Count   int           `json:"count" yaml:"count"`
}

func toRecord(e persistence.GlossaryEntry) entryRecord {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return entryRecord{
		ID:                  e.ID,
		Term:                e.Term,
		Definition:          e.Definition,
		Status:              e.Status,
		Tags:                tags,
		FirstSeenPostID:     e.FirstSeenPostID,
		FirstSeenThreadID:   e.FirstSeenThreadID,
		LastUpdatedPostID:   e.LastUpdatedPostID,
		LastUpdatedThreadID: e.LastUpdatedThreadID,
		CreatedAt:           e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt:           e.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func toDoc(entries []persistence.GlossaryEntry) exportDoc {
	records := make([]entryRecord, len(entries))
	for i, e := range entries {
		records[i] = toRecord(e)
	}
	return exportDoc{Entries: records, Count: len(records)}
}

// JSONExporter writes entries as a single `{"entries": [...], "count": N}` JSON document.
type JSONExporter struct{}

func (JSONExporter) Extension() string { return "json" }

func (JSONExporter) Export(entries []persistence.GlossaryEntry, outputPath string) (int, error) {
	doc := toDoc(entries)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshaling glossary export to json: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return 0, fmt.Errorf("writing json export to %s: %w", outputPath, err)
	}
	return doc.Count, nil
}

// YAMLExporter writes entries as the same `entries`/`count` document shape, in YAML.
type YAMLExporter struct{}

func (YAMLExporter) Extension() string { return "yaml" }

func (YAMLExporter) Export(entries []persistence.GlossaryEntry, outputPath string) (int, error) {
	doc := toDoc(entries)
	data, err := yaml.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshaling glossary export to yaml: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return 0, fmt.Errorf("writing yaml export to %s: %w", outputPath, err)
	}
	return doc.Count, nil
}

// ForFormat resolves a CLI --format flag value ("json" or "yaml") to an Exporter.
func ForFormat(format string) (Exporter, error) {
	switch strings.ToLower(format) {
	case "json":
		return JSONExporter{}, nil
	case "yaml", "yml":
		return YAMLExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown export format %q (want json or yaml)", format)
	}
}
