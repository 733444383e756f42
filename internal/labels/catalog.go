// Package labels loads the ordered sign catalog whose positions match the
// classifier output indices.
package labels

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Unknown is shown when the classifier reports an index past the catalog end.
const Unknown = "—"

// Fallback is used when no metadata file is available or it lists no labels.
var Fallback = []string{"hello", "yes", "no", "help"}

// Catalog is an immutable, ordered list of labels.
type Catalog struct {
	labels []string
}

type metadata struct {
	Labels []string `yaml:"labels"`
}

// New copies labels into a catalog. An empty list yields the fallback catalog.
func New(labels []string) Catalog {
	if len(labels) == 0 {
		labels = Fallback
	}
	return Catalog{labels: append([]string(nil), labels...)}
}

// Parse decodes a metadata record. JSON is accepted since it is valid YAML.
func Parse(data []byte) (Catalog, error) {
	var md metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return Catalog{}, fmt.Errorf("parse label metadata: %w", err)
	}
	cleaned := make([]string, 0, len(md.Labels))
	for _, l := range md.Labels {
		cleaned = append(cleaned, strings.TrimSpace(l))
	}
	return New(cleaned), nil
}

// Load reads the metadata file at path. A missing, unreadable or malformed
// file degrades to the fallback catalog; the returned error says why.
func Load(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return New(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return New(nil), fmt.Errorf("read label metadata: %w", err)
	}
	cat, err := Parse(data)
	if err != nil {
		return New(nil), err
	}
	return cat, nil
}

// Len returns the number of labels.
func (c Catalog) Len() int {
	if len(c.labels) == 0 {
		return len(Fallback)
	}
	return len(c.labels)
}

// At returns the label at index i, or Unknown when i is out of range.
func (c Catalog) At(i int) string {
	labels := c.Labels()
	if i < 0 || i >= len(labels) {
		return Unknown
	}
	return labels[i]
}

// Labels returns a copy of the ordered labels.
func (c Catalog) Labels() []string {
	if len(c.labels) == 0 {
		return append([]string(nil), Fallback...)
	}
	return append([]string(nil), c.labels...)
}

// Validate is the strict form of Parse used by tooling: the file must list at
// least one label and every label must be unique and non-blank.
func Validate(data []byte) (Catalog, error) {
	var md metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return Catalog{}, fmt.Errorf("parse label metadata: %w", err)
	}
	if len(md.Labels) == 0 {
		return Catalog{}, fmt.Errorf("label metadata lists no labels")
	}
	seen := make(map[string]int, len(md.Labels))
	for i, l := range md.Labels {
		l = strings.TrimSpace(l)
		if l == "" {
			return Catalog{}, fmt.Errorf("label %d is blank", i)
		}
		if prev, ok := seen[l]; ok {
			return Catalog{}, fmt.Errorf("label %q repeated at %d and %d", l, prev, i)
		}
		seen[l] = i
	}
	return Parse(data)
}
