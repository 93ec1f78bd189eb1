package domain

import "sort"

// Levels groups steps by dependency depth. Every step in level n depends only
// on steps in levels < n. Steps inside a level are ordered by Order, then ID.
// A cycle or a dependency outside the job is a validation error.
func Levels(steps []ModuleStep) ([][]ModuleStep, error) {
	byID := make(map[string]ModuleStep, len(steps))
	for _, s := range steps {
		if _, dup := byID[s.ID]; dup {
			return nil, Validationf("duplicate module step %s", s.ID)
		}
		byID[s.ID] = s
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, Validationf("module step %s depends on unknown step %s", s.ID, dep)
			}
			if dep == s.ID {
				return nil, Validationf("module step %s depends on itself", s.ID)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var current []ModuleStep
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			current = append(current, s)
		}
	}

	var levels [][]ModuleStep
	placed := 0
	for len(current) > 0 {
		sortSteps(current)
		levels = append(levels, current)
		placed += len(current)

		var next []ModuleStep
		for _, s := range current {
			for _, d := range dependents[s.ID] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, byID[d])
				}
			}
		}
		current = next
	}

	if placed != len(steps) {
		return nil, Validationf("module dependencies contain a cycle")
	}
	return levels, nil
}

func sortSteps(steps []ModuleStep) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		return steps[i].ID < steps[j].ID
	})
}
