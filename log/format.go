package log

import (
	"context"
	"strconv"
	"strings"
	"time"

	F "github.com/sagernet/sing/common/format"
)

type Formatter struct {
	DisableTimestamp bool
	TimestampFormat  string
}

// Format renders an entry twice: the full line written to the output writer
// and the bare message delivered to subscribers.
func (f Formatter) Format(ctx context.Context, level Level, tag string, message string, timestamp time.Time) (string, string) {
	levelString := strings.ToUpper(FormatLevel(level))
	if tag != "" {
		message = tag + ": " + message
	}
	if id, hasID := IDFromContext(ctx); hasID {
		message = F.ToString("[", id.ID, " ", formatDuration(timestamp.Sub(id.CreatedAt)), "] ", message)
	}
	var line string
	if f.DisableTimestamp {
		line = F.ToString(levelString, " ", message, "\n")
	} else {
		timestampFormat := f.TimestampFormat
		if timestampFormat == "" {
			timestampFormat = "2006-01-02 15:04:05"
		}
		line = F.ToString(timestamp.Format(timestampFormat), " ", levelString, " ", message, "\n")
	}
	return line, message
}

func formatDuration(duration time.Duration) string {
	if duration < time.Second {
		return strconv.FormatInt(duration.Milliseconds(), 10) + "ms"
	}
	return strconv.FormatFloat(duration.Seconds(), 'f', 1, 64) + "s"
}
