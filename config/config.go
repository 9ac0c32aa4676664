// This package defines a common config struct which can be used by any subsystem within relay.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug              bool
	RootDir            string
	TopicPrefix        string
	PowDifficultyBits  uint
	RecvBufferWindowMs int64
	RecvBufferLimit    int
	EpochRetention     uint64
	PublishTimeoutMs   int64
	RecoveryTimeoutMs  int64
	// Sessions idle longer than this are treated as possibly desynchronized.
	// Zero disables the check.
	SessionIdleTimeoutMs int64
	LoggingPrefix        string
	writer               io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithTopicPrefix(p string) Option {
	return func(c *Config) {
		c.TopicPrefix = p
	}
}

// Difficulty is deployment configuration, not protocol state.
func WithPowDifficultyBits(n uint) Option {
	return func(c *Config) {
		c.PowDifficultyBits = n
	}
}

func WithRecvBufferWindowMs(n int64) Option {
	return func(c *Config) {
		c.RecvBufferWindowMs = n
	}
}

func WithRecvBufferLimit(n int) Option {
	return func(c *Config) {
		c.RecvBufferLimit = n
	}
}

func WithEpochRetention(n uint64) Option {
	return func(c *Config) {
		c.EpochRetention = n
	}
}

func WithPublishTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.PublishTimeoutMs = n
	}
}

func WithRecoveryTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RecoveryTimeoutMs = n
	}
}

func WithSessionIdleTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.SessionIdleTimeoutMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:              os.Getenv("DEBUG") == "1",
		RootDir:            ".",
		TopicPrefix:        "relay",
		PowDifficultyBits:  16,
		RecvBufferWindowMs: 30000,
		RecvBufferLimit:    64,
		EpochRetention:     2,
		PublishTimeoutMs:   5000,
		RecoveryTimeoutMs:  30000,

		SessionIdleTimeoutMs: 0,
		LoggingPrefix:        "",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
