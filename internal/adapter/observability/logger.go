package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
)

// SetupLogger builds the process-wide JSON logger. LOG_LEVEL wins when set;
// otherwise dev runs at debug and everything else at info. Every line carries
// the service and env so multi-service log streams stay separable.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "":
		if cfg.IsDev() {
			level = slog.LevelDebug
		}
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
