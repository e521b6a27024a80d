package handlers

import (
	"strings"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/arbor/writers"

	"github.com/ternarybob/pulse/internal/common"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/models"
)

const (
	// Default buffer size for the notification queue
	defaultNotificationBufferSize = 1000
)

// NotificationWriter is an arbor writer that forwards service log lines
// to connected clients as notification envelopes. Level-filtered and
// pattern-excluded so transport chatter never feeds back into itself.
type NotificationWriter struct {
	sender          interfaces.PushSender
	writer          writers.IChannelWriter
	config          arbormodels.WriterConfiguration
	minLevel        levels.LogLevel
	excludePatterns []string
}

// NewNotificationWriter creates a new notification arbor writer using the ChannelWriter pattern
func NewNotificationWriter(sender interfaces.PushSender, config arbormodels.WriterConfiguration, wsConfig *common.WebSocketConfig) (*NotificationWriter, error) {
	var minLevel levels.LogLevel
	var excludePatterns []string

	if wsConfig == nil {
		minLevel = levels.InfoLevel
		excludePatterns = []string{
			"WebSocket client connected",
			"WebSocket client disconnected",
			"HTTP request",
			"HTTP response",
		}
	} else {
		minLevel = parseLogLevel(wsConfig.MinLevel)
		excludePatterns = wsConfig.ExcludePatterns
		if len(excludePatterns) == 0 {
			excludePatterns = []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
			}
		}
	}

	w := &NotificationWriter{
		sender:          sender,
		config:          config,
		minLevel:        minLevel,
		excludePatterns: excludePatterns,
	}

	processor := func(entry arbormodels.LogEvent) error {
		arborLevel := plogToArborLevel(entry.Level)

		if arborLevel < w.minLevel {
			return nil
		}

		for _, pattern := range w.excludePatterns {
			if strings.Contains(entry.Message, pattern) {
				return nil
			}
		}

		w.sender.Broadcast(models.NewEnvelope(models.EnvelopeNotification, "", "", models.NotificationPayload{
			Level:   mapLevel(arborLevel),
			Message: entry.Message,
		}))
		return nil
	}

	cw, err := writers.NewChannelWriter(config, defaultNotificationBufferSize, processor)
	if err != nil {
		return nil, err
	}
	cw.Start()

	w.writer = cw
	return w, nil
}

// plogToArborLevel converts phuslu/log.Level to arbor levels.LogLevel
func plogToArborLevel(level plog.Level) levels.LogLevel {
	switch level {
	case plog.ErrorLevel:
		return levels.ErrorLevel
	case plog.WarnLevel:
		return levels.WarnLevel
	case plog.InfoLevel:
		return levels.InfoLevel
	case plog.DebugLevel:
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// parseLogLevel converts string log level to arbor levels.LogLevel
func parseLogLevel(level string) levels.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return levels.ErrorLevel
	case "warn", "warning":
		return levels.WarnLevel
	case "info":
		return levels.InfoLevel
	case "debug":
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// mapLevel maps arbor log levels to wire strings
func mapLevel(level levels.LogLevel) string {
	switch level {
	case levels.ErrorLevel:
		return "error"
	case levels.WarnLevel:
		return "warn"
	case levels.InfoLevel:
		return "info"
	case levels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}

// Write implements the IWriter interface - delegates to the channel writer
func (w *NotificationWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

// WithLevel updates the minimum log level and returns self
func (w *NotificationWriter) WithLevel(level plog.Level) writers.IWriter {
	w.minLevel = plogToArborLevel(level)
	return w
}

// GetFilePath returns empty string (not file-based)
func (w *NotificationWriter) GetFilePath() string {
	return ""
}

// Close performs graceful shutdown with buffer draining
func (w *NotificationWriter) Close() error {
	return w.writer.Close()
}
