package events

import (
	"log/slog"

	"github.com/arkops/asaman/logging"
)

// AttachSystemLog forwards every control-plane log record at or above
// minLevel to subscribers of the system-log-data channel. Returns a detach
// function for shutdown.
func AttachSystemLog(hub *Hub, minLevel slog.Level) func() {
	logging.SetTap(func(level slog.Level, message string, attrs map[string]any) {
		if level < minLevel {
			return
		}
		// The hub logs its own drop warnings; feeding those back in would
		// loop forever on a stuck subscriber.
		if attrs["logger"] == "events" {
			return
		}
		fields := map[string]any{
			"level":   level.String(),
			"message": message,
		}
		for k, v := range attrs {
			if k == "type" || k == "timestamp" || k == "level" || k == "message" {
				continue
			}
			fields[k] = v
		}
		hub.Publish(New(ChannelSystemLog, fields))
	})
	return func() { logging.SetTap(nil) }
}
