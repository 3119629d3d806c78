package logging

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string
	Format string
}

var (
	baseLogger *zap.Logger
	sugar      *zap.SugaredLogger
	current    atomic.Pointer[correlation]
)

// correlation identifies the session and the trigger detection a log line
// belongs to. Utterance is the recognizer cycle that produced the detection.
type correlation struct {
	session   string
	detection uint64
	utterance uint64
}

func init() {
	baseLogger = zap.NewNop()
	sugar = baseLogger.Sugar()
}

func InitFromEnv() error {
	cfg := Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	}
	return Init(cfg)
}

func Init(cfg Config) error {
	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "" {
		level = "info"
	}

	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" {
		format = "console"
	}

	var zapCfg zap.Config
	switch format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %s", cfg.Format)
	}

	atomLevel := zap.NewAtomicLevel()
	if err := atomLevel.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %s", cfg.Level)
	}
	zapCfg.Level = atomLevel

	logger, err := zapCfg.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	baseLogger = logger
	sugar = logger.Sugar()
	return nil
}

func Sync() {
	if baseLogger != nil {
		_ = baseLogger.Sync()
	}
}

// SetSessionID tags every following log line with the listening session.
// Detection numbering restarts with each session.
func SetSessionID(id string) {
	if strings.TrimSpace(id) == "" {
		return
	}
	current.Store(&correlation{session: id})
}

func NewSessionID() string {
	return uuid.NewString()
}

// StartDetection advances the detection counter for the trigger heard in
// utterance and returns the new detection number.
func StartDetection(utterance uint64) uint64 {
	for {
		old := current.Load()
		next := correlation{utterance: utterance}
		if old != nil {
			next.session = old.session
			next.detection = old.detection
		}
		next.detection++
		if current.CompareAndSwap(old, &next) {
			return next.detection
		}
	}
}

func Debugf(format string, args ...interface{}) {
	withFields().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	withFields().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	withFields().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	withFields().Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	withFields().Fatalf(format, args...)
}

func withFields() *zap.SugaredLogger {
	c := current.Load()
	if c == nil {
		c = &correlation{}
	}
	sid := c.session
	if sid == "" {
		sid = "no-session"
	}
	fields := []interface{}{
		"session_id", sid,
		"detection_id", c.detection,
		"log_id", fmt.Sprintf("%s-%d", sid, c.detection),
	}
	if c.detection > 0 {
		fields = append(fields, "utterance", c.utterance)
	}
	return sugar.With(fields...)
}
