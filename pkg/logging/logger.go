// Package logging adapts zap to core.ILogger. Records go to a local
// sink and, through the otelzap bridge, to the global OTel logger provider.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options selects the local sink. The OTel bridge is always attached.
type Options struct {
	Service string
	Level   string
	Format  string
	// Output defaults to stdout
	Output io.Writer
}

type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a console logger for serviceName at level
func NewZapLogger(serviceName, level string) (*ZapLogger, error) {
	return New(Options{Service: serviceName, Level: level})
}

func New(opts Options) (*ZapLogger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch opts.Format {
	case FormatJSON:
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	case FormatConsole, "":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format: %s", opts.Format)
	}

	local := zapcore.NewCore(enc, zapcore.AddSync(out), lvl)
	bridge := otelzap.NewCore(opts.Service, otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	return &ZapLogger{
		logger: zap.New(zapcore.NewTee(local, bridge), zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

func NewNopLogger() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zap.DebugLevel, nil
	case "INFO", "":
		return zap.InfoLevel, nil
	case "WARN", "WARNING":
		return zap.WarnLevel, nil
	case "ERROR":
		return zap.ErrorLevel, nil
	case "FATAL":
		return zap.FatalLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("invalid log level: %s", level)
}

// field renders amounts as exact strings and errors under their key
func field(key string, v interface{}) zap.Field {
	switch val := v.(type) {
	case decimal.Decimal:
		return zap.String(key, val.String())
	case *decimal.Decimal:
		if val == nil {
			return zap.Skip()
		}
		return zap.String(key, val.String())
	case error:
		return zap.NamedError(key, val)
	case time.Duration:
		return zap.Duration(key, val)
	}
	return zap.Any(key, v)
}

// toFields pairs up key/value arguments. A dangling value is kept under
// "!BADKEY" rather than dropped.
func toFields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		if i+1 == len(kv) {
			out = append(out, field("!BADKEY", kv[i]))
			break
		}
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, field(key, kv[i+1]))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, toFields(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.logger.Info(msg, toFields(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, toFields(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, toFields(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.logger.Fatal(msg, toFields(kv)...) }

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(field(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, field(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
