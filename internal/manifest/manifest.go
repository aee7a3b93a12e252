// Package manifest loads the caller-supplied work-item list.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"reconbatch/internal/job"
)

type document struct {
	Items []job.WorkItem `yaml:"items"`
}

// Load reads a work-item manifest: an ordered list of {id, inputs} records,
// one per reconstruction target. Order is preserved; duplicate ids are
// rejected because the job id is derived from the item id.
func Load(path string) ([]job.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(doc.Items) == 0 {
		return nil, fmt.Errorf("manifest %s declares no work items", path)
	}

	seen := make(map[string]bool, len(doc.Items))
	for i, item := range doc.Items {
		if item.ID == "" {
			return nil, fmt.Errorf("manifest %s: item %d has no id", path, i)
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("manifest %s: duplicate work-item id %q", path, item.ID)
		}
		seen[item.ID] = true
	}
	return doc.Items, nil
}
