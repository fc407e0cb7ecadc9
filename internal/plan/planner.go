// Package plan computes parallel-safe execution batches from the story
// graph via topological layering.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wjlgatech/epiloop/internal/model"
)

// Batches returns an ordered sequence of batches such that every story
// in batch k depends only on stories in batches < k or on stories that
// are already complete. Within a batch, story IDs are sorted, so
// planning the same input twice yields identical output.
//
// A pass that places no story while incomplete stories remain means the
// dependency graph has a cycle, which is always an error.
func Batches(stories []model.Story) ([][]string, error) {
	if err := Validate(stories); err != nil {
		return nil, err
	}

	complete := make(map[string]bool, len(stories))
	for _, s := range stories {
		if s.Complete {
			complete[s.ID] = true
		}
	}

	remaining := make(map[string]model.Story)
	for _, s := range stories {
		if !s.Complete {
			remaining[s.ID] = s
		}
	}

	var batches [][]string
	placed := make(map[string]bool)

	for len(remaining) > 0 {
		var batch []string
		for id, s := range remaining {
			if depsSatisfied(s, complete, placed) {
				batch = append(batch, id)
			}
		}

		if len(batch) == 0 {
			cycle := findCyclePath(remaining)
			return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
		}

		sort.Strings(batch)
		for _, id := range batch {
			placed[id] = true
			delete(remaining, id)
		}
		batches = append(batches, batch)
	}

	return batches, nil
}

func depsSatisfied(s model.Story, complete, placed map[string]bool) bool {
	for _, dep := range s.Dependencies {
		if !complete[dep] && !placed[dep] {
			return false
		}
	}
	return true
}

// findCyclePath reconstructs one cycle among the stuck stories via DFS.
func findCyclePath(remaining map[string]model.Story) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range remaining[node].Dependencies {
			if _, ok := remaining[dep]; !ok {
				continue // dependency already complete; not part of any cycle
			}
			if color[dep] == gray {
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	// Deterministic start order
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white {
			if dfs(id) {
				return cyclePath
			}
		}
	}

	return []string{"(cycle detected)"}
}
