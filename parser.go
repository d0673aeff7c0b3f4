package testserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	mappingFile  = "_mapping.json"
	settingsFile = "_settings.json"
	aliasesFile  = "_aliases.json"
)

// parseFixtures scans the fixtures directory and parses all index subdirectories.
func parseFixtures(dir string) ([]*indexFixture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading fixtures directory %q: %w", dir, err)
	}

	var fixtures []*indexFixture
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		f, err := parseIndexDir(filepath.Join(dir, entry.Name()), entry.Name())
		if err != nil {
			return nil, fmt.Errorf("parsing index %q: %w", entry.Name(), err)
		}
		fixtures = append(fixtures, f)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no index directories found in %q", dir)
	}

	return fixtures, nil
}

// parseIndexDir reads the index spec files and documents of one index directory.
func parseIndexDir(dir string, name string) (*indexFixture, error) {
	spec := &IndexSpec{}
	for file, dst := range map[string]*json.RawMessage{
		mappingFile:  &spec.Mappings,
		settingsFile: &spec.Settings,
		aliasesFile:  &spec.Aliases,
	} {
		raw, err := readJSONFile(filepath.Join(dir, file))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		*dst = raw
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	docs, err := parseDocumentFiles(dir)
	if err != nil {
		return nil, err
	}

	return &indexFixture{name: name, spec: spec, documents: docs}, nil
}

// readJSONFile reads a JSON file and returns its content as json.RawMessage.
func readJSONFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON in %q", path)
	}

	return json.RawMessage(data), nil
}

// parseDocumentFiles parses the *.yml and *.yaml files of dir in name order.
// Files starting with "_" are skipped.
func parseDocumentFiles(dir string) ([]document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %q: %w", dir, err)
	}

	var docs []document
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}
		if strings.HasPrefix(name, "_") {
			continue
		}

		fileDocs, err := parseYAMLDocuments(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("parsing document file %q: %w", name, err)
		}
		docs = append(docs, fileDocs...)
	}

	return docs, nil
}

// parseYAMLDocuments parses a YAML list of documents. The _id and _routing
// keys are lifted out of the body into the bulk metadata.
func parseYAMLDocuments(path string) ([]document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var rawDocs []map[string]any
	if err := yaml.Unmarshal(data, &rawDocs); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}

	docs := make([]document, 0, len(rawDocs))
	for _, raw := range rawDocs {
		doc := document{Body: raw}
		if id, ok := raw["_id"]; ok {
			doc.ID = fmt.Sprintf("%v", id)
			delete(doc.Body, "_id")
		}
		if routing, ok := raw["_routing"]; ok {
			doc.Routing = fmt.Sprintf("%v", routing)
			delete(doc.Body, "_routing")
		}
		docs = append(docs, doc)
	}

	return docs, nil
}
