// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"log/slog"
	"sort"
	"strings"
)

// SortTables orders names so that every table follows the tables it references.
// parents maps a table to the tables its foreign keys point at; references to
// tables outside names and self references are ignored. Ties keep the declared
// order. A cycle falls back to the declared order.
func SortTables(names []string, parents map[string][]string, logger *slog.Logger) []string {
	pos := make(map[string]int, len(names))
	for i, n := range names {
		pos[strings.ToLower(n)] = i
	}

	inDegree := make(map[string]int, len(names))
	children := make(map[string][]string, len(names))
	for _, n := range names {
		key := strings.ToLower(n)
		inDegree[key] += 0
		seen := map[string]bool{}
		for _, p := range parents[n] {
			pk := strings.ToLower(p)
			if _, registered := pos[pk]; !registered || pk == key || seen[pk] {
				continue
			}
			seen[pk] = true
			inDegree[key]++
			children[pk] = append(children[pk], key)
		}
	}

	// Queue of zero in-degree tables kept in declared order.
	var queue []string
	for _, n := range names {
		if inDegree[strings.ToLower(n)] == 0 {
			queue = append(queue, strings.ToLower(n))
		}
	}
	insertSorted := func(t string) {
		i := sort.Search(len(queue), func(i int) bool { return pos[queue[i]] > pos[t] })
		queue = append(queue, "")
		copy(queue[i+1:], queue[i:])
		queue[i] = t
	}

	result := make([]string, 0, len(names))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, names[pos[current]])
		for _, child := range children[current] {
			inDegree[child]--
			if inDegree[child] == 0 {
				insertSorted(child)
			}
		}
	}

	if len(result) != len(names) {
		if logger != nil {
			logger.Warn("Circular dependency detected, keeping declared table order",
				"processed", len(result), "registered", len(names))
		}
		return append([]string(nil), names...)
	}
	return result
}
