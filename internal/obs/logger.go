// Copyright 2025 James Ross
package obs

import (
    "os"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"

    "github.com/flyingrobots/census-ingest/internal/config"
)

// NewLogger builds the structured logger used everywhere in this module. If
// obs.LogFile is set, output is written through a rotating lumberjack
// writer instead of stdout, the way the teacher's audit logger rotates its
// own file sink.
func NewLogger(obs config.Observability) (*zap.Logger, error) {
    lvl := zapcore.InfoLevel
    switch strings.ToLower(obs.LogLevel) {
    case "debug":
        lvl = zapcore.DebugLevel
    case "warn":
        lvl = zapcore.WarnLevel
    case "error":
        lvl = zapcore.ErrorLevel
    }

    encoderCfg := zap.NewProductionEncoderConfig()
    encoder := zapcore.NewJSONEncoder(encoderCfg)

    var sink zapcore.WriteSyncer
    if obs.LogFile != "" {
        sink = zapcore.AddSync(&lumberjack.Logger{
            Filename:   obs.LogFile,
            MaxSize:    obs.LogMaxSizeMB,
            MaxBackups: obs.LogMaxBackups,
            MaxAge:     obs.LogMaxAgeDays,
            Compress:   obs.LogCompress,
        })
    } else {
        sink = zapcore.Lock(os.Stdout)
    }

    core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(lvl))
    return zap.New(core, zap.AddCaller()), nil
}

// Convenience typed fields
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field { return zap.Error(err) }
