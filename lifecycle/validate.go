package lifecycle

import "fmt"

// ValidateTable reports authoring defects in t:
//   - dead ends: non-terminal states with no outgoing transition
//   - unreachable states: states other than the initial one that no
//     transition targets, or that cannot be reached from the initial state
//
// An empty result means the table is sound.
func ValidateTable(t *Table) []string {
	var issues []string

	incoming := make(map[State]bool)
	outgoing := make(map[State]bool)

	for _, row := range t.rows {
		outgoing[row.From] = true

		if row.To != row.From {
			incoming[row.To] = true
		}
	}

	reachable := reachableFrom(t, t.Initial())

	for _, s := range AllStates() {
		if !outgoing[s] && !t.IsTerminal(s) {
			issues = append(issues, fmt.Sprintf("dead-end state: %s has no outgoing transitions", s))
		}

		if s == t.Initial() {
			continue
		}

		switch {
		case !incoming[s]:
			issues = append(issues, fmt.Sprintf("unreachable state: no transition leads to %s", s))
		case !reachable[s]:
			issues = append(issues, fmt.Sprintf("unreachable state: %s cannot be reached from %s", s, t.Initial()))
		}
	}

	return issues
}

// ValidateStateMachine validates the machine's table.
func (m *Machine) ValidateStateMachine() []string {
	return ValidateTable(m.table)
}

func reachableFrom(t *Table, start State) map[State]bool {
	seen := map[State]bool{start: true}
	queue := []State{start}

	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]

		for _, row := range t.TransitionsFrom(s) {
			if !seen[row.To] {
				seen[row.To] = true
				queue = append(queue, row.To)
			}
		}
	}

	return seen
}
