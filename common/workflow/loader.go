package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load parses and validates a JSON workflow document. Unknown fields are
// rejected, field values are checked against the data model, and every id
// reference must resolve. The returned workflow is ready for NewGraph.
func Load(data []byte) (*Workflow, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var wf Workflow
	if err := dec.Decode(&wf); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}

	if _, err := NewGraph(&wf); err != nil {
		return nil, err
	}

	return &wf, nil
}

// LoadFile loads a workflow document from disk. Files ending in .yaml or
// .yml are converted to the JSON object model before validation.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow document: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = YAMLToJSON(data)
		if err != nil {
			return nil, err
		}
	}

	return Load(data)
}

// YAMLToJSON converts a YAML document to its JSON encoding so the strict
// JSON loader can apply unknown-field rejection uniformly.
func YAMLToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("parse yaml: %v", err)}
	}

	doc = normalizeYAML(doc)

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("convert yaml to json: %v", err)}
	}
	return out, nil
}

// normalizeYAML rewrites map[interface{}]interface{} trees into
// map[string]interface{} so they marshal as JSON objects.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return m
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalizeYAML(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}

// Marshal serializes the workflow back to its canonical JSON document.
// Load(Marshal(w)) yields a structurally identical workflow.
func (w *Workflow) Marshal() ([]byte, error) {
	return json.MarshalIndent(w, "", "  ")
}
