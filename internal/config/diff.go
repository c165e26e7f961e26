package config

import (
	"cmp"
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	// TuningChanged is true if lookback, decay or any weight changed.
	TuningChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanges lists per-agent changes, ordered by agent ID.
	AgentChanges []AgentDiff
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	ID string

	// GoalsChanged lists the rounds whose goals were added, changed or removed.
	GoalsChanged []int

	PersonaChanged bool
	Added          bool
	Removed        bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Memory.Tuning() != new.Memory.Tuning() {
		d.TuningChanged = true
	}

	oldAgents := make(map[string]*AgentConfig, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].ID] = &old.Agents[i]
	}
	newAgents := make(map[string]*AgentConfig, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].ID] = &new.Agents[i]
	}

	for id, oa := range oldAgents {
		na, ok := newAgents[id]
		if !ok {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Removed: true})
			continue
		}
		ad := diffAgent(id, oa, na)
		if ad.PersonaChanged || len(ad.GoalsChanged) > 0 {
			d.AgentChanges = append(d.AgentChanges, ad)
		}
	}
	for id := range newAgents {
		if _, ok := oldAgents[id]; !ok {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Added: true})
		}
	}

	slices.SortFunc(d.AgentChanges, func(a, b AgentDiff) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return d
}

// diffAgent compares two agent configs with the same ID.
func diffAgent(id string, old, new *AgentConfig) AgentDiff {
	ad := AgentDiff{ID: id}
	if old.Persona != new.Persona || old.WorldInfo != new.WorldInfo || old.Name != new.Name {
		ad.PersonaChanged = true
	}
	rounds := make(map[int]struct{})
	for r := range maps.Keys(old.Goals) {
		rounds[r] = struct{}{}
	}
	for r := range maps.Keys(new.Goals) {
		rounds[r] = struct{}{}
	}
	for _, r := range slices.Sorted(maps.Keys(rounds)) {
		if old.Goals[r] != new.Goals[r] {
			ad.GoalsChanged = append(ad.GoalsChanged, r)
		}
	}
	return ad
}
