package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; transport and
// capture changes require a restart and are ignored here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DeliveryChanged is true when any admission-controller tuning field
	// changed. NewDelivery carries the whole new section: the queue bound
	// and job timeout apply live, the loop intervals on restart.
	DeliveryChanged bool
	NewDelivery     DeliveryConfig

	// SequencerChanged is true when the staleness bound or sweep interval
	// changed. The staleness bound applies live, the sweep interval on
	// restart.
	SequencerChanged bool
	NewSequencer     SequencerConfig

	// ExportGateChanged is true when the cooldown gate tuning changed.
	// Both the failure threshold and the cooldown apply live.
	ExportGateChanged bool
	NewExport         ExportConfig
}

// Changed reports whether the diff contains any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DeliveryChanged || d.SequencerChanged || d.ExportGateChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Delivery != new.Delivery {
		d.DeliveryChanged = true
		d.NewDelivery = new.Delivery
	}
	if old.Sequencer != new.Sequencer {
		d.SequencerChanged = true
		d.NewSequencer = new.Sequencer
	}
	if old.Export.FailureThreshold != new.Export.FailureThreshold ||
		old.Export.Cooldown != new.Export.Cooldown {
		d.ExportGateChanged = true
		d.NewExport = new.Export
	}

	return d
}
