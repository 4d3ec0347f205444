package lifecycle

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Audit is the document written by ExportYAML.
type Audit struct {
	Initial     State        `yaml:"initial"`
	Transitions []Transition `yaml:"transitions"`
	Snapshot    StateInfo    `yaml:"snapshot"`
	Issues      []string     `yaml:"issues,omitempty"`
}

// ExportYAML writes the transition table, the current snapshot and any table
// defects as YAML.
func (m *Machine) ExportYAML() ([]byte, error) {
	audit := Audit{
		Initial:     m.table.Initial(),
		Transitions: m.table.Transitions(),
		Snapshot:    m.StateInfo(),
		Issues:      ValidateTable(m.table),
	}

	out, err := yaml.Marshal(&audit)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lifecycle audit: %w", err)
	}

	return out, nil
}
