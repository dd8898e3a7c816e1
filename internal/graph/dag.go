package graph

import (
	"fmt"
	"strings"

	"shopflow/internal/types"
)

// validateDAG 使用 Kahn 算法做拓扑排序，返回排序后的节点名
// 检测到环时用 DFS 找出一条环路写进错误信息
func validateDAG(nodeNames []string, edges map[string][]string) ([]string, error) {
	if len(nodeNames) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(nodeNames))
	forward := make(map[string][]string)
	for _, n := range nodeNames {
		inDegree[n] = 0
	}
	for _, node := range nodeNames {
		for _, dep := range edges[node] {
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var queue []string
	for _, n := range nodeNames {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(nodeNames) {
		return sorted, nil
	}

	cycle := findCyclePath(nodeNames, edges)
	return nil, fmt.Errorf("%w: %s", types.ErrCyclicDependency, strings.Join(cycle, " -> "))
}

// findCyclePath 通过三色 DFS 找出一条环路
func findCyclePath(nodeNames []string, edges map[string][]string) []string {
	const (
		white = 0 // 未访问
		gray  = 1 // 在当前路径上
		black = 2 // 已完成
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				cyclePath = []string{dep}
				for current := node; current != dep; current = parent[current] {
					cyclePath = append(cyclePath, current)
				}
				cyclePath = append(cyclePath, dep)
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

	for _, n := range nodeNames {
		if color[n] == white && dfs(n) {
			return cyclePath
		}
	}
	return nodeNames
}
