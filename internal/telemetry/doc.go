// Package telemetry publishes instrument snapshots to an MQTT broker.
//
// It is a thin, optional layer: when telemetry is disabled in the
// configuration the daemon simply never constructs a Publisher. Each
// polled snapshot is published retained, so dashboards joining late see
// the last known state immediately, and a Last Will marks the
// instrument offline if the daemon dies without a clean disconnect.
//
// Topics (prefix and serial from configuration):
//
//	<prefix>/<serial>/online  - "1"/"0" retained liveness flag
//	<prefix>/<serial>/status  - JSON snapshot, retained
package telemetry
