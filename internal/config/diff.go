package config

import (
	"reflect"

	"github.com/MrWong99/visitorparse/internal/reconcile"
)

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes carry their new value; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PolicyChanged is true when any matching threshold or weight changed.
	PolicyChanged bool
	NewPolicy     reconcile.Policy

	// RestartRequired names the top-level sections that changed but only
	// take effect after a restart.
	RestartRequired []string
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PolicyChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if oldP, newP := old.Matching.Policy(), new.Matching.Policy(); oldP != newP {
		d.PolicyChanged = true
		d.NewPolicy = newP
	}

	// The success threshold lives in the registration service, which is
	// built once at startup.
	if !reflect.DeepEqual(old.Matching.SuccessThreshold, new.Matching.SuccessThreshold) {
		d.RestartRequired = append(d.RestartRequired, "matching.success_threshold")
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"directory", old.Directory, new.Directory},
		{"providers", old.Providers, new.Providers},
		{"extraction", old.Extraction, new.Extraction},
		{"cache", old.Cache, new.Cache},
		{"audit", old.Audit, new.Audit},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}
