package config

import "reflect"

// ConfigDiff describes what changed between two configs and how the change
// must be applied: logging changes take effect in place, while any changed
// component section requires the supervisor to rebuild and swap the
// component set.
type ConfigDiff struct {
	// LogLevelChanged is set when log.level differs. Applied in place.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LogFormatChanged is set when log.format differs. Takes effect on the
	// next restart; the running handler is not replaced.
	LogFormatChanged bool

	// ChangedSections lists the component sections that differ, in schema
	// order (e.g., "sip", "providers"). Non-empty means a rebuild is needed.
	ChangedSections []string
}

// RequiresRebuild reports whether the supervisor must rebuild the component
// set to apply this diff.
func (d ConfigDiff) RequiresRebuild() bool {
	return len(d.ChangedSections) > 0
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LogFormatChanged && len(d.ChangedSections) == 0
}

// Diff compares old and new configs and classifies every change.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}
	if old.Log.Format != new.Log.Format {
		d.LogFormatChanged = true
	}

	// Pointer and slice fields rule out plain struct comparison for most
	// sections, so each is compared with DeepEqual.
	sections := []struct {
		name    string
		changed bool
	}{
		{"sip", old.SIP != new.SIP},
		{"audio", old.Audio != new.Audio},
		{"turn", old.Turn != new.Turn},
		{"pipeline", !reflect.DeepEqual(old.Pipeline, new.Pipeline)},
		{"providers", !reflect.DeepEqual(old.Providers, new.Providers)},
		{"history", old.History != new.History},
		{"tools", !reflect.DeepEqual(old.Tools, new.Tools)},
		{"notify", !reflect.DeepEqual(old.Notify, new.Notify)},
		{"observability", old.Observability != new.Observability},
	}
	for _, s := range sections {
		if s.changed {
			d.ChangedSections = append(d.ChangedSections, s.name)
		}
	}

	return d
}
