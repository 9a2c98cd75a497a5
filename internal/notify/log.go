package notify

import (
	"context"
	"log/slog"
)

// Log records deliveries in the log instead of sending them. Used when no
// bot token is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) SendArtifact(ctx context.Context, address, filename string, data []byte, caption string) error {
	l.logger.Info("Artifact delivery",
		slog.String("address", address),
		slog.String("filename", filename),
		slog.Int("bytes", len(data)),
		slog.String("caption", caption),
	)
	return nil
}

func (l *Log) SendText(ctx context.Context, address, text string) error {
	l.logger.Info("Text delivery",
		slog.String("address", address),
		slog.String("text", text),
	)
	return nil
}
