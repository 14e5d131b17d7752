package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only the log level
// and added schemas can be applied without a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AddedKinds lists schemas present only in the new config.
	AddedKinds []string

	// RemovedKinds and ChangedKinds require a restart to take effect.
	RemovedKinds []string
	ChangedKinds []string

	// StoreChanged reports a different store section; requires a restart.
	StoreChanged bool
}

// NeedsRestart reports whether d contains changes that cannot be applied to
// a running server.
func (d ConfigDiff) NeedsRestart() bool {
	return d.StoreChanged || len(d.RemovedKinds) > 0 || len(d.ChangedKinds) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.StoreChanged = old.Store != new.Store

	oldKinds := make(map[string]int, len(old.Schemas))
	for i, s := range old.Schemas {
		oldKinds[s.Kind] = i
	}
	newKinds := make(map[string]int, len(new.Schemas))
	for i, s := range new.Schemas {
		newKinds[s.Kind] = i
	}

	for kind, i := range oldKinds {
		j, exists := newKinds[kind]
		switch {
		case !exists:
			d.RemovedKinds = append(d.RemovedKinds, kind)
		case !reflect.DeepEqual(old.Schemas[i], new.Schemas[j]):
			d.ChangedKinds = append(d.ChangedKinds, kind)
		}
	}
	for kind := range newKinds {
		if _, exists := oldKinds[kind]; !exists {
			d.AddedKinds = append(d.AddedKinds, kind)
		}
	}

	slices.Sort(d.AddedKinds)
	slices.Sort(d.RemovedKinds)
	slices.Sort(d.ChangedKinds)
	return d
}
