// Package solver orders task names so that every dependency precedes its dependents.
package solver

import (
	"sort"

	"github.com/me/tasker/pkg/model"
)

// Solve returns a topological order of the keys of graph, where graph maps
// each name to the names it depends on. It uses Kahn's algorithm with
// lexicographic tie-breaking, so the result is deterministic.
//
// Dependencies that are not themselves keys of graph are treated as already
// satisfied and their edges are dropped. Duplicate dependencies count once.
//
// If the graph contains a cycle, Solve returns the prefix it could order and a
// *model.CyclicDependencyError naming every node that could not be placed
// (the cycle members and anything downstream of them).
func Solve(graph map[string][]string) ([]string, error) {
	// forward[A] = [B, C] means A must complete before B and C.
	forward := make(map[string][]string, len(graph))
	inDegree := make(map[string]int, len(graph))

	for name := range graph {
		inDegree[name] = 0
	}

	for name, deps := range graph {
		seen := make(map[string]bool, len(deps))
		for _, dep := range deps {
			if _, ok := graph[dep]; !ok || seen[dep] {
				continue
			}
			seen[dep] = true
			forward[dep] = append(forward[dep], name)
			inDegree[name]++
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(graph))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, succ := range forward[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(graph) {
		var blocked []string
		for name, deg := range inDegree {
			if deg > 0 {
				blocked = append(blocked, name)
			}
		}
		sort.Strings(blocked)
		return order, &model.CyclicDependencyError{Names: blocked}
	}

	return order, nil
}
