// Package corelog provides the shared logrus wiring used by every device
// and bus in the core. Components never print directly; they obtain a
// field-tagged entry from For and log through it.
package corelog

import "github.com/sirupsen/logrus"

// Log is the root logger for the core. Embedders may reconfigure its
// level, formatter, or output before constructing a Machine.
var Log = logrus.New()

// For returns a logger tagged with the given subsystem name, mirroring the
// "subsystem" field convention used throughout virtcontainers.
func For(subsystem string) *logrus.Entry {
	return Log.WithField("subsystem", subsystem)
}

// ForDevice returns a logger tagged with both subsystem and a device
// instance id (e.g. a BDF string or port number), for components that
// multiplex several device instances of the same kind.
func ForDevice(subsystem, instance string) *logrus.Entry {
	return Log.WithField("subsystem", subsystem).WithField("instance", instance)
}
