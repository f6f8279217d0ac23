// Package events delivers alerts raised for failing task instances.
//
// An AlertSink is any component that can deliver an alert. The
// AlertDispatcher routes each alert to the sink named on the instance,
// falling back to the configured default sink when the name is empty or
// unknown. Two sinks are built in: LogSink writes a structured log entry
// and RedisSink publishes a TaskAlertEvent to a Redis channel.
package events
