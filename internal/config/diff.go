package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied at runtime; every other changed section is reported so the
// operator knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the top-level sections that changed and only
	// take effect after a restart, in schema order.
	RestartRequired []string
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"listeners", old.Listeners, new.Listeners},
		{"worker", old.Worker, new.Worker},
		{"transcription", old.Transcription, new.Transcription},
		{"registry", old.Registry, new.Registry},
		{"store", old.Store, new.Store},
		{"translation", old.Translation, new.Translation},
		{"observe", old.Observe, new.Observe},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
