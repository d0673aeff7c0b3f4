package testserver

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var emptyObject = json.RawMessage("{}")

// IndexSpec describes how an index is created. Each part is optional and
// must hold a JSON object when set.
type IndexSpec struct {
	Mappings json.RawMessage // Contents of _mapping.json (may be nil)
	Settings json.RawMessage // Contents of _settings.json (may be nil)
	Aliases  json.RawMessage // Contents of _aliases.json (may be nil)
}

// indexSpecBody is the Create Index API body. Field order is the wire order.
type indexSpecBody struct {
	Settings json.RawMessage `json:"settings"`
	Aliases  json.RawMessage `json:"aliases"`
	Mappings json.RawMessage `json:"mappings"`
}

// body returns the Create Index API body with missing parts defaulted to {}.
func (s *IndexSpec) body() indexSpecBody {
	orEmpty := func(raw json.RawMessage) json.RawMessage {
		if len(raw) == 0 {
			return emptyObject
		}
		return raw
	}
	return indexSpecBody{
		Settings: orEmpty(s.Settings),
		Aliases:  orEmpty(s.Aliases),
		Mappings: orEmpty(s.Mappings),
	}
}

// MarshalJSON serializes the spec as {"settings":…,"aliases":…,"mappings":…}.
func (s *IndexSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.body())
}

func (s *IndexSpec) validate() error {
	for part, raw := range map[string]json.RawMessage{
		"mappings": s.Mappings,
		"settings": s.Settings,
		"aliases":  s.Aliases,
	} {
		if len(raw) == 0 {
			continue
		}
		if !json.Valid(raw) {
			return fmt.Errorf("invalid JSON in index %s", part)
		}
		if trimmed := bytes.TrimLeft(raw, " \t\r\n"); trimmed[0] != '{' {
			return fmt.Errorf("index %s must be a JSON object", part)
		}
	}
	return nil
}

// IndexRequest is a single document destined for the Bulk API.
// An empty Index, ID or Routing is omitted from the action metadata.
type IndexRequest struct {
	Index   string
	ID      string
	Routing string
	JSON    string
}

// NewIndexRequest returns a request indexing doc into index.
func NewIndexRequest(index, doc string) IndexRequest {
	return IndexRequest{Index: index, JSON: doc}
}

// WithID returns a copy of r with the document id set.
func (r IndexRequest) WithID(id string) IndexRequest {
	r.ID = id
	return r
}

// WithRouting returns a copy of r with the routing key set.
func (r IndexRequest) WithRouting(routing string) IndexRequest {
	r.Routing = routing
	return r
}

// WithIndex returns a copy of r targeting another index.
func (r IndexRequest) WithIndex(index string) IndexRequest {
	r.Index = index
	return r
}

// IndicesDescription holds declared indices in declaration order.
type IndicesDescription struct {
	names []string
	specs map[string]*IndexSpec
}

func newIndicesDescription() *IndicesDescription {
	return &IndicesDescription{specs: make(map[string]*IndexSpec)}
}

// add declares an index; redeclaring replaces the spec but keeps the original position.
func (d *IndicesDescription) add(name string, spec *IndexSpec) {
	if _, ok := d.specs[name]; !ok {
		d.names = append(d.names, name)
	}
	d.specs[name] = spec
}

// Names returns the declared index names in declaration order.
func (d *IndicesDescription) Names() []string {
	return append([]string(nil), d.names...)
}

// Spec returns the spec declared for name, or nil when none was declared.
func (d *IndicesDescription) Spec(name string) *IndexSpec {
	return d.specs[name]
}

// TemplatesDescription holds declared index templates in declaration order.
type TemplatesDescription struct {
	names  []string
	bodies map[string]string
}

func newTemplatesDescription() *TemplatesDescription {
	return &TemplatesDescription{bodies: make(map[string]string)}
}

func (d *TemplatesDescription) add(name, body string) {
	if _, ok := d.bodies[name]; !ok {
		d.names = append(d.names, name)
	}
	d.bodies[name] = body
}

// Names returns the declared template names in declaration order.
func (d *TemplatesDescription) Names() []string {
	return append([]string(nil), d.names...)
}

// Body returns the template body and whether it was declared.
func (d *TemplatesDescription) Body(name string) (string, bool) {
	body, ok := d.bodies[name]
	return body, ok
}

// indexFixture represents a single Elasticsearch index and its fixture data.
type indexFixture struct {
	name      string     // Directory name = index name
	spec      *IndexSpec // Never nil; parts without a file are empty
	documents []document // Parsed documents from YAML files
}

// document represents a single Elasticsearch document to be indexed.
type document struct {
	ID      string         // Extracted from _id field (may be empty for auto-generated IDs)
	Routing string         // Extracted from _routing field (may be empty)
	Body    map[string]any // Document body (without _id and _routing)
}

func (d document) indexRequest(index string) (IndexRequest, error) {
	body, err := json.Marshal(d.Body)
	if err != nil {
		return IndexRequest{}, fmt.Errorf("marshaling document: %w", err)
	}
	return NewIndexRequest(index, string(body)).WithID(d.ID).WithRouting(d.Routing), nil
}
