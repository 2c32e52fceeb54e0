package jobs

import (
	"fmt"
	"math"
	"time"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/pkg/textx"
)

// FormatEvent translates a progress event into a log-tail entry. Event types
// with no human-readable rendering return nil and are not logged.
func FormatEvent(ev domain.Event) *domain.LogEntry {
	switch ev.Type {
	case domain.EventJobStarted:
		return entry(domain.LogInfo, fmt.Sprintf("Started evaluation (%s mode, %d file(s))",
			ev.String("mode"), ev.IntOr("totalFiles", 0)))

	case domain.EventFileStarted:
		return entry(domain.LogInfo, fmt.Sprintf("Processing %s", ev.String("filePath")))

	case domain.EventEvaluatorProgress:
		name := ev.String("evaluatorName")
		idx := ev.IntOr("evaluatorIndex", 0)
		total := ev.IntOr("totalEvaluators", 0)
		if file := ev.String("currentFile"); file != "" {
			return entry(domain.LogInfo, fmt.Sprintf("Running %s on %s (%d/%d)",
				name, textx.Basename(file), idx+1, total))
		}
		return entry(domain.LogInfo, fmt.Sprintf("Running %s (%d/%d)", name, idx+1, total))

	case domain.EventEvaluatorRetry:
		return entry(domain.LogWarning, fmt.Sprintf("Retry %d/%d for %s: %s",
			ev.IntOr("attempt", 0), ev.IntOr("maxAttempts", 0),
			ev.String("evaluatorName"), textx.Truncate(ev.String("error"), 100)))

	case domain.EventEvaluatorTimeout:
		secs := int(math.Round(ev.Float("timeoutMs") / 1000))
		return entry(domain.LogError, fmt.Sprintf("Timeout: %s exceeded %ds limit",
			ev.String("evaluatorName"), secs))

	case domain.EventCurationStarted:
		return entry(domain.LogInfo, fmt.Sprintf("Curating top %s from %d total...",
			issueLabel(ev.String("issueType")), ev.IntOr("totalIssues", 0)))

	case domain.EventCurationCompleted:
		return entry(domain.LogSuccess, fmt.Sprintf("Impact curation completed for %s (%d selected)",
			issueLabel(ev.String("issueType")), ev.IntOr("curatedCount", 0)))

	case domain.EventJobCompleted:
		secs := int(math.Round(ev.Float("duration") / 1000))
		return entry(domain.LogSuccess, fmt.Sprintf("Evaluation completed in %ds", secs))

	case domain.EventJobFailed:
		return entry(domain.LogError, fmt.Sprintf("Evaluation failed: %s", failureMessage(ev)))
	}
	return nil
}

func entry(t domain.LogType, msg string) *domain.LogEntry {
	return &domain.LogEntry{Timestamp: time.Now(), Type: t, Message: msg}
}

func issueLabel(issueType string) string {
	switch issueType {
	case "error":
		return "errors"
	case "suggestion":
		return "suggestions"
	default:
		return "issues"
	}
}

// failureMessage digs the message out of a job.failed payload, which may
// carry the error as a nested object or a bare string.
func failureMessage(ev domain.Event) string {
	switch v := ev.Data["error"].(type) {
	case map[string]any:
		if msg, ok := v["message"].(string); ok && msg != "" {
			return msg
		}
	case string:
		if v != "" {
			return v
		}
	}
	return "Unknown error"
}
