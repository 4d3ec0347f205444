package lifecycle

import (
	"fmt"
	"strings"
)

// DiagramOptions configures GenerateMermaid.
type DiagramOptions struct {
	// Direction is "TD" (top-down) or "LR" (left-right).
	Direction string

	// Fenced wraps the diagram in a ```mermaid code block.
	Fenced bool

	// Highlight marks a single state, usually the current one.
	Highlight *State
}

// DefaultDiagramOptions returns top-down, unfenced output.
func DefaultDiagramOptions() DiagramOptions {
	return DiagramOptions{
		Direction: "TD",
	}
}

// WithDirection sets the diagram direction.
func (o DiagramOptions) WithDirection(direction string) DiagramOptions {
	o.Direction = direction

	return o
}

// WithFenced enables the markdown code fence.
func (o DiagramOptions) WithFenced(fenced bool) DiagramOptions {
	o.Fenced = fenced

	return o
}

// WithHighlight highlights s.
func (o DiagramOptions) WithHighlight(s State) DiagramOptions {
	o.Highlight = &s

	return o
}

// GenerateTransitionDiagram lists the transitions of t grouped by source state.
// Each state is a header line followed by one "  event → target" line per
// outgoing transition, in table order.
func GenerateTransitionDiagram(t *Table) string {
	var sb strings.Builder

	for i, s := range AllStates() {
		if i > 0 {
			sb.WriteString("\n")
		}

		header := s.String()
		if s == t.Initial() {
			header += " (initial)"
		}

		sb.WriteString(fmt.Sprintf("%s [%s]\n", header, s.Display()))

		rows := t.TransitionsFrom(s)
		if len(rows) == 0 {
			sb.WriteString("  (no transitions)\n")

			continue
		}

		for _, row := range rows {
			sb.WriteString(fmt.Sprintf("  %s → %s\n", row.Event, row.To))
		}
	}

	return sb.String()
}

// GenerateMermaid renders t as a mermaid stateDiagram. Error states and
// operational states get their own classes.
func GenerateMermaid(t *Table, opts DiagramOptions) string {
	var sb strings.Builder

	direction := opts.Direction
	if direction == "" {
		direction = "TD"
	}

	if opts.Fenced {
		sb.WriteString("```mermaid\n")
	}

	sb.WriteString("stateDiagram-v2\n")
	sb.WriteString(fmt.Sprintf("    direction %s\n", direction))
	sb.WriteString(fmt.Sprintf("    [*] --> %s\n", mermaidID(t.Initial())))

	for _, s := range AllStates() {
		sb.WriteString(fmt.Sprintf("    %s: %s\n", mermaidID(s), s.Display()))
	}

	for _, row := range t.Transitions() {
		sb.WriteString(fmt.Sprintf("    %s --> %s: %s\n", mermaidID(row.From), mermaidID(row.To), row.Event))
	}

	for _, s := range AllStates() {
		if t.IsTerminal(s) {
			sb.WriteString(fmt.Sprintf("    %s --> [*]\n", mermaidID(s)))
		}
	}

	sb.WriteString("\n")

	for _, s := range AllStates() {
		switch {
		case opts.Highlight != nil && *opts.Highlight == s:
			sb.WriteString(fmt.Sprintf("    class %s highlighted\n", mermaidID(s)))
		case s.IsError():
			sb.WriteString(fmt.Sprintf("    class %s errorState\n", mermaidID(s)))
		case s.IsOperational():
			sb.WriteString(fmt.Sprintf("    class %s operationalState\n", mermaidID(s)))
		}
	}

	sb.WriteString("    classDef errorState fill:#ffcdd2,stroke:#c62828,stroke-width:2px\n")
	sb.WriteString("    classDef operationalState fill:#c8e6c9,stroke:#2e7d32,stroke-width:2px\n")
	sb.WriteString("    classDef highlighted fill:#fff9c4,stroke:#f57f17,stroke-width:3px\n")

	if opts.Fenced {
		sb.WriteString("```\n")
	}

	return sb.String()
}

// GenerateTransitionDiagram renders the machine's table.
func (m *Machine) GenerateTransitionDiagram() string {
	return GenerateTransitionDiagram(m.table)
}

// GenerateMermaid renders the machine's table with the current state highlighted.
func (m *Machine) GenerateMermaid(opts DiagramOptions) string {
	if opts.Highlight == nil {
		opts = opts.WithHighlight(m.state)
	}

	return GenerateMermaid(m.table, opts)
}

// mermaidID turns a state identifier into a mermaid node id. Hyphens would be
// read as part of an arrow.
func mermaidID(s State) string {
	return strings.ReplaceAll(s.String(), "-", "_")
}
