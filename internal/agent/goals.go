package agent

import (
	"maps"
	"sync"
)

// GoalBook holds an agent's goals per round. It is safe for concurrent use.
type GoalBook struct {
	mu    sync.RWMutex
	goals map[int]string
}

// NewGoalBook returns a GoalBook seeded with a copy of goals.
func NewGoalBook(goals map[int]string) *GoalBook {
	g := &GoalBook{goals: make(map[int]string, len(goals))}
	maps.Copy(g.goals, goals)
	return g
}

// Goals returns the goals of round, or "" when none were set.
func (g *GoalBook) Goals(round int) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.goals[round]
}

// Set replaces the goals of round. An empty text removes them.
func (g *GoalBook) Set(round int, goals string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if goals == "" {
		delete(g.goals, round)
		return
	}
	g.goals[round] = goals
}

// All returns a copy of every round's goals.
func (g *GoalBook) All() map[int]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return maps.Clone(g.goals)
}
