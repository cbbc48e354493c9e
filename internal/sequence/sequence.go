// Package sequence plans startup order over the declared dependency graph.
// Planning is pure: it never touches processes, so a cycle aborts before any
// side effect.
package sequence

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports the services participating in a dependency cycle.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Members, " -> "))
}

// Plan returns ordered stages where each stage is the maximal set of services
// whose dependencies are satisfied by earlier stages. Services within a stage
// may start concurrently; stages execute strictly in order. A cyclic graph
// yields a CycleError and no stages.
func Plan(deps map[string][]string) ([][]string, error) {
	if err := checkCycles(deps); err != nil {
		return nil, err
	}

	indeg := make(map[string]int, len(deps))
	dependents := make(map[string][]string)
	for name, ds := range deps {
		if _, ok := indeg[name]; !ok {
			indeg[name] = 0
		}
		for _, d := range ds {
			dependents[d] = append(dependents[d], name)
			indeg[name]++
		}
	}

	var q []string
	for n, d := range indeg {
		if d == 0 {
			q = append(q, n)
		}
	}
	var stages [][]string
	for len(q) > 0 {
		stage := append([]string{}, q...)
		sort.Strings(stage)
		stages = append(stages, stage)
		q = q[:0]
		for _, u := range stage {
			for _, v := range dependents[u] {
				indeg[v]--
				if indeg[v] == 0 {
					q = append(q, v)
				}
			}
		}
	}
	return stages, nil
}

// checkCycles runs a depth-first walk with visiting/visited marks and, on a
// back edge, extracts the cycle members from the walk stack.
func checkCycles(deps map[string][]string) error {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current walk
		black = 2 // fully explored
	)
	color := make(map[string]int, len(deps))
	var stack []string

	names := make([]string, 0, len(deps))
	for n := range deps {
		names = append(names, n)
	}
	sort.Strings(names)

	var visit func(string) *CycleError
	visit = func(n string) *CycleError {
		color[n] = grey
		stack = append(stack, n)
		for _, d := range deps[n] {
			switch color[d] {
			case grey:
				// Walk back up the stack to the first occurrence of d.
				i := len(stack) - 1
				for i >= 0 && stack[i] != d {
					i--
				}
				members := append([]string{}, stack[i:]...)
				members = append(members, d)
				return &CycleError{Members: members}
			case white:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range names {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// Dependents returns the transitive dependents of name in topological order,
// nearest first. Stopping them safely means walking the result in reverse.
func Dependents(deps map[string][]string, name string) []string {
	dependents := make(map[string][]string)
	for n, ds := range deps {
		for _, d := range ds {
			dependents[d] = append(dependents[d], n)
		}
	}

	reach := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range dependents[u] {
			if !reach[v] {
				reach[v] = true
				queue = append(queue, v)
			}
		}
	}
	if len(reach) == 0 {
		return nil
	}

	// Topological order within the reachable subgraph.
	stages, err := Plan(deps)
	if err != nil {
		return nil
	}
	var out []string
	for _, stage := range stages {
		for _, n := range stage {
			if reach[n] {
				out = append(out, n)
			}
		}
	}
	return out
}
