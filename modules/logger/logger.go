// Package logger implements the Logger collaborator module: it receives
// LogMessage traffic from every other module and writes it to one or more
// sinks. Delivery is fire-and-forget; a lost log entry is tolerated and
// never acknowledged.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spectralab/conductor/lib/message"
	"github.com/spectralab/conductor/lib/module"
)

// Sink names accepted in Config.Destinations.
const (
	SinkStdout = "stdout"
	SinkFile   = "file"
	SinkRedis  = "redis"
)

// Config selects and parameterizes the log sinks.
type Config struct {
	// Destinations lists the enabled sinks. Empty means stdout only.
	Destinations []string
	// FilePath is the JSON-lines log file for the file sink.
	FilePath string
	// RedisAddr and RedisChannel configure the redis sink, which
	// publishes each entry to a pub/sub channel.
	RedisAddr    string
	RedisChannel string
}

// Entry is one formatted log record.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// Logger is the module handler. It embeds module.Base so only the hooks
// it needs are implemented.
type Logger struct {
	module.Base

	cfg Config

	stdout io.Writer
	file   *os.File
	rdb    *redis.Client

	stdoutOn bool
	fileOn   bool
	redisOn  bool
}

// New creates a Logger handler. The stdout writer is injectable for
// tests; nil means os.Stdout.
func New(cfg Config, stdout io.Writer) *Logger {
	if stdout == nil {
		stdout = os.Stdout
	}
	if len(cfg.Destinations) == 0 {
		cfg.Destinations = []string{SinkStdout}
	}
	return &Logger{cfg: cfg, stdout: stdout}
}

// OnStart opens the configured sinks. A file sink that cannot be opened
// degrades to stdout rather than failing the module.
func (l *Logger) OnStart(ctx context.Context) error {
	for _, dest := range l.cfg.Destinations {
		switch dest {
		case SinkStdout:
			l.stdoutOn = true
		case SinkFile:
			f, err := os.OpenFile(l.cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				fmt.Fprintf(l.stdout, "logger: cannot open %s, falling back to stdout: %v\n",
					l.cfg.FilePath, err)
				l.stdoutOn = true
				continue
			}
			l.file = f
			l.fileOn = true
		case SinkRedis:
			l.rdb = redis.NewClient(&redis.Options{Addr: l.cfg.RedisAddr})
			l.redisOn = true
		default:
			return fmt.Errorf("unknown log destination %q", dest)
		}
	}
	return nil
}

// HandleMessage writes LogMessage payloads to every enabled sink. Other
// message types get a one-line note, matching the tolerant contract: log
// and drop, never fail.
func (l *Logger) HandleMessage(ctx context.Context, msg *message.Message) error {
	if msg.Type != message.TypeLogMessage {
		if l.stdoutOn {
			fmt.Fprintf(l.stdout, "[%s] - received event %q\n", msg.Sender, msg.Type)
		}
		return nil
	}

	level, ok := msg.PayloadString("level")
	if !ok {
		level = "INFO"
	}
	text, ok := msg.PayloadString("message")
	if !ok {
		text = "no message provided"
	}
	entry := Entry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Sender:    msg.Sender,
		Level:     level,
		Message:   text,
	}

	if l.stdoutOn {
		fmt.Fprintf(l.stdout, "[%s] [%s] (%s): %s\n",
			entry.Timestamp, entry.Sender, entry.Level, entry.Message)
	}
	if l.fileOn {
		if data, err := json.Marshal(entry); err == nil {
			l.file.Write(append(data, '\n'))
		}
	}
	if l.redisOn {
		if data, err := json.Marshal(entry); err == nil {
			if err := l.rdb.Publish(ctx, l.cfg.RedisChannel, data).Err(); err != nil && l.stdoutOn {
				fmt.Fprintf(l.stdout, "logger: redis publish failed: %v\n", err)
			}
		}
	}
	return nil
}

// OnStop closes the sinks.
func (l *Logger) OnStop(ctx context.Context) error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if l.rdb != nil {
		l.rdb.Close()
		l.rdb = nil
	}
	return nil
}
