package wiring

import (
	"sort"
	"strings"
)

// topicGraph maps a topic to the topics its subscribers may publish.
type topicGraph map[string][]string

// buildTopicGraph adds an edge subscribed → published for every worker.
func buildTopicGraph(workers []WorkerSpec) topicGraph {
	graph := make(topicGraph)
	for _, w := range workers {
		for _, sub := range w.Subscribes {
			topic := normalize(sub.Topic)
			if graph[topic] == nil {
				graph[topic] = []string{}
			}
			for _, pub := range w.Publishes {
				graph[topic] = append(graph[topic], normalize(pub))
			}
		}
	}
	for topic := range graph {
		sort.Strings(graph[topic])
	}
	return graph
}

// findCycles returns one path per cycle, e.g. ["a", "b", "a"].
// A DAG returns nil.
func findCycles(graph topicGraph) [][]string {
	var cycles [][]string
	for _, scc := range tarjanSCC(graph) {
		switch {
		case len(scc) > 1:
			cycles = append(cycles, cyclePath(scc, graph))
		case hasSelfLoop(scc[0], graph):
			cycles = append(cycles, []string{scc[0], scc[0]})
		}
	}
	return cycles
}

func hasSelfLoop(node string, graph topicGraph) bool {
	for _, next := range graph[node] {
		if next == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so results are deterministic.
func tarjanSCC(graph topicGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range sortedKeys(graph) {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// cyclePath walks the SCC from its smallest member back to itself.
func cyclePath(scc []string, graph topicGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	sorted := append([]string(nil), scc...)
	sort.Strings(sorted)
	start := sorted[0]

	path := []string{start}
	seen := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, w := range graph[current] {
			if !members[w] {
				continue
			}
			if w == start && len(path) > 1 {
				return append(path, start)
			}
			if !seen[w] && next == "" {
				next = w
			}
		}
		if next == "" {
			return append(path, start)
		}
		path = append(path, next)
		seen[next] = true
		current = next
	}
}

func formatPath(path []string) string {
	return strings.Join(path, " → ")
}
