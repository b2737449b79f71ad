package cliutil

import (
	"io"

	ipfslog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// SetIpfsWriter routes logging from the ipfs blockstore and flatfs libraries, which log
// through go-log, to the same writer and level as slog.
func SetIpfsWriter(out io.Writer, format string, level string) {
	encCfg := zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		NameKey:     "system",
		TimeKey:     "time",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}

	var ze zapcore.Encoder
	switch format {
	case "json":
		ze = zapcore.NewJSONEncoder(encCfg)
	default:
		ze = zapcore.NewConsoleEncoder(encCfg)
	}

	var zl zapcore.LevelEnabler
	switch level {
	case "debug":
		zl = zapcore.DebugLevel
	case "warn":
		zl = zapcore.WarnLevel
	case "error":
		zl = zapcore.ErrorLevel
	default:
		zl = zapcore.InfoLevel
	}

	ipfslog.SetPrimaryCore(zapcore.NewCore(ze, zapcore.AddSync(out), zl))
}
