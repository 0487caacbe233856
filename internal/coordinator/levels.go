package coordinator

import (
	"fmt"
	"slices"
	"strings"

	"VeriSwarm/internal/agent"
	xerrors "VeriSwarm/internal/errors"
)

// Levels 按依赖关系把子任务分层（Kahn 算法），每层内部按计划顺序排列。
// 指向不存在子任务的依赖被忽略；存在环时返回 CodeCyclicPlan 错误。
func Levels(plan *agent.Plan) ([][]int, error) {
	if plan == nil || len(plan.SubTasks) == 0 {
		return nil, nil
	}

	index := make(map[string]int, len(plan.SubTasks))
	for i, sub := range plan.SubTasks {
		if _, dup := index[sub.ID]; !dup {
			index[sub.ID] = i
		}
	}

	indegree := make([]int, len(plan.SubTasks))
	dependents := make([][]int, len(plan.SubTasks))
	for i, sub := range plan.SubTasks {
		seen := make(map[int]struct{}, len(sub.Dependencies))
		for _, dep := range sub.Dependencies {
			j, ok := index[dep]
			if !ok {
				continue
			}
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var levels [][]int
	current := make([]int, 0)
	for i, d := range indegree {
		if d == 0 {
			current = append(current, i)
		}
	}
	done := 0
	for len(current) > 0 {
		levels = append(levels, current)
		done += len(current)
		next := make([]int, 0)
		for _, i := range current {
			for _, j := range dependents[i] {
				indegree[j]--
				if indegree[j] == 0 {
					next = append(next, j)
				}
			}
		}
		slices.Sort(next)
		current = next
	}

	if done < len(plan.SubTasks) {
		blocked := make([]string, 0, len(plan.SubTasks)-done)
		for i, d := range indegree {
			if d > 0 {
				blocked = append(blocked, plan.SubTasks[i].ID)
			}
		}
		return nil, xerrors.New(xerrors.CodeCyclicPlan,
			fmt.Sprintf("subtasks %s depend on each other", strings.Join(blocked, ", ")))
	}
	return levels, nil
}
