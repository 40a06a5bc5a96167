// Package tasklist loads the task list a session is started from.
package tasklist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/parallax/internal/scheduler"
)

// Document is a task list file: a feature name plus its tasks.
// A file may also be a bare list of tasks, in which case Feature is derived
// from the file name.
type Document struct {
	Feature string               `yaml:"feature" json:"feature"`
	Tasks   []scheduler.TaskSpec `yaml:"tasks" json:"tasks"`
}

// Load reads a task list from a YAML or JSON file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task list: %w", err)
	}

	doc, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse task list %s: %w", path, err)
	}
	if doc.Feature == "" {
		doc.Feature = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return doc, nil
}

// Parse decodes a task list. ext selects JSON for ".json"; everything else is
// parsed as YAML, which also accepts JSON input.
func Parse(data []byte, ext string) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty task list", scheduler.ErrInvalidTaskList)
	}

	doc := &Document{}
	bare := trimmed[0] == '['
	if strings.EqualFold(ext, ".json") {
		var err error
		if bare {
			err = json.Unmarshal(trimmed, &doc.Tasks)
		} else {
			err = json.Unmarshal(trimmed, doc)
		}
		if err != nil {
			return nil, err
		}
	} else {
		var node yaml.Node
		if err := yaml.Unmarshal(trimmed, &node); err != nil {
			return nil, err
		}
		if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
			if err := node.Decode(&doc.Tasks); err != nil {
				return nil, err
			}
		} else if err := node.Decode(doc); err != nil {
			return nil, err
		}
	}

	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks", scheduler.ErrInvalidTaskList)
	}
	return doc, nil
}

// Write saves a document as YAML, creating parent directories as needed.
func Write(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal task list: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write task list: %w", err)
	}
	return nil
}
