package primebot

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

const loggerNameKey = "logger"

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// ChannelLogLevel is the severity shown in log channel posts. It's
// coarser than slog's levels, and adds SUCCESS for completed actions.
type ChannelLogLevel string

const (
	ChannelLogInfo    ChannelLogLevel = "INFO"
	ChannelLogSuccess ChannelLogLevel = "SUCCESS"
	ChannelLogWarning ChannelLogLevel = "WARNING"
	ChannelLogError   ChannelLogLevel = "ERROR"

	channelLogTimeFormat = "2006-01-02 15:04:05"
)

func (l ChannelLogLevel) emoji() string {
	switch l {
	case ChannelLogSuccess:
		return "✅"
	case ChannelLogWarning:
		return "⚠️"
	case ChannelLogError:
		return "❌"
	default:
		return "ℹ️"
	}
}

func (l ChannelLogLevel) slogLevel() slog.Level {
	switch l {
	case ChannelLogWarning:
		return slog.LevelWarn
	case ChannelLogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// formatLogLine renders a log channel post, ex:
//
//	`[2024-05-01 08:00:00]` ✅ **SUCCESS**: Bot ist bereit!
func formatLogLine(now time.Time, level ChannelLogLevel, message string) string {
	return fmt.Sprintf(
		"`[%s]` %s **%s**: %s",
		now.Format(channelLogTimeFormat),
		level.emoji(),
		level,
		message,
	)
}

// ChannelLogger writes bot events to slog, and mirrors them to the
// discord log channel when one is configured.
type ChannelLogger struct {
	logger    *slog.Logger
	send      func(channelID string, content string) error
	channelID string
	now       func() time.Time
	sent      atomic.Int64
	failed    atomic.Int64
}

func newChannelLogger(
	logger *slog.Logger,
	channelID string,
	now func() time.Time,
	send func(channelID string, content string) error,
) *ChannelLogger {
	return &ChannelLogger{
		logger:    logger,
		channelID: channelID,
		now:       now,
		send:      send,
	}
}

// Log records message at the given level. Failing to post to the log
// channel is logged, but otherwise ignored.
func (c *ChannelLogger) Log(
	ctx context.Context,
	level ChannelLogLevel,
	message string,
	attrs ...any,
) {
	attrs = append(attrs, "channel_log_level", string(level))
	c.logger.Log(ctx, level.slogLevel(), message, attrs...)

	if c.channelID == "" || c.send == nil {
		return
	}
	line := truncate(formatLogLine(c.now(), level, message), discordMaxMessageLength)
	if err := c.send(c.channelID, line); err != nil {
		c.failed.Add(1)
		c.logger.ErrorContext(
			ctx,
			"unable to send to log channel",
			tint.Err(err),
			"channel_id", c.channelID,
		)
		return
	}
	c.sent.Add(1)
}

func (c *ChannelLogger) Info(ctx context.Context, message string, attrs ...any) {
	c.Log(ctx, ChannelLogInfo, message, attrs...)
}

func (c *ChannelLogger) Success(ctx context.Context, message string, attrs ...any) {
	c.Log(ctx, ChannelLogSuccess, message, attrs...)
}

func (c *ChannelLogger) Warning(ctx context.Context, message string, attrs ...any) {
	c.Log(ctx, ChannelLogWarning, message, attrs...)
}

func (c *ChannelLogger) Error(ctx context.Context, message string, attrs ...any) {
	c.Log(ctx, ChannelLogError, message, attrs...)
}

var (
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
)

// DBLogLevel is a wrapper for slog.Level that implements
// the necessary methods for GORM to treat it as a custom type.
type DBLogLevel string

// Scan implements the sql.Scanner interface.
func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return l.parseLevel(string(v))
	case string:
		return l.parseLevel(v)
	default:
		return errors.New("invalid type for DBLogLevel")
	}
}

// Value implements the driver.Valuer interface.
func (l DBLogLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (DBLogLevel) GormDataType() string {
	return "string"
}

// MarshalJSON implements the json.Marshaller interface.
func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var levelString string
	if err := json.Unmarshal(data, &levelString); err != nil {
		return err
	}
	return l.parseLevel(levelString)
}

func (l DBLogLevel) String() string {
	return string(l)
}

func (l *DBLogLevel) parseLevel(s string) error {
	switch strings.ToUpper(s) {
	case "DEBUG":
		*l = DBLogLevelDebug
	case "INFO":
		*l = DBLogLevelInfo
	case "WARN":
		*l = DBLogLevelWarn
	case "ERROR":
		*l = DBLogLevelError
	default:
		return fmt.Errorf("unknown log level: %s", s)
	}
	return nil
}

// Level returns the underlying slog.Level value.
func (l DBLogLevel) Level() slog.Level {
	switch strings.ToUpper(string(l)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		slog.Default().Error(fmt.Sprintf("unknown log level '%s'", string(l)))
		return slog.LevelInfo
	}
}

// Set sets the log level from a string.
func (l *DBLogLevel) Set(s string) error {
	return l.parseLevel(s)
}

type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		handler:       handler,
		SlowThreshold: slowThreshold,
	}
}

func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return gormStructuredLogger{
		logger:        slog.New(g.handler).With(loggerNameKey, "gorm"),
		handler:       g.handler,
		SlowThreshold: g.SlowThreshold,
	}
}

func (g gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()
	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}

	if g.SlowThreshold != 0 && elapsed > g.SlowThreshold {
		g.logger.WarnContext(
			ctx,
			"slow sql",
			"elapsed", elapsed,
			"threshold", g.SlowThreshold,
			"rows", rows,
			"sql", s,
			tint.Err(err),
		)
		return
	}
	g.logger.DebugContext(
		ctx,
		"sql completed",
		"elapsed", elapsed,
		"threshold", g.SlowThreshold,
		"rows", rows,
		"sql", s,
		tint.Err(err),
	)
}
