package stub

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// Engine is a fast, deterministic evaluation engine for local development and
// tests. It walks a fixed file list through the full evaluator roster and
// emits the same progress event sequence a real engine produces.
type Engine struct {
	// Delay is slept between emitted events to resemble real work. Zero
	// means no sleeping, which is what tests want.
	Delay time.Duration
	// Files overrides the default scripted file list.
	Files []string
	// Err, when set, makes every run fail after job.started.
	Err error
}

// New returns a stub engine with a small scripted repository.
func New() *Engine {
	return &Engine{
		Delay: 50 * time.Millisecond,
		Files: []string{"cmd/server/main.go", "internal/service/service.go"},
	}
}

// Evaluate runs the scripted evaluation, emitting progress through emit.
func (e *Engine) Evaluate(ctx domain.Context, req domain.EvaluateRequest, emit func(domain.Event)) (map[string]any, error) {
	mode := "local"
	if req.RepoURL() != "" {
		mode = "git"
	}
	files := e.Files
	if len(files) == 0 {
		files = []string{"main.go"}
	}

	emit(domain.Event{Type: domain.EventJobStarted, Data: map[string]any{
		"mode":       mode,
		"totalFiles": len(files),
	}})
	if e.Err != nil {
		return nil, e.Err
	}

	evaluators := domain.EvaluatorRegistry
	evaluations := make([]any, 0, len(evaluators))
	for fi, file := range files {
		if err := e.pause(ctx); err != nil {
			return nil, err
		}
		emit(domain.Event{Type: domain.EventFileStarted, Data: map[string]any{
			"filePath":  file,
			"fileIndex": fi,
		}})
		for i, name := range evaluators {
			if err := e.pause(ctx); err != nil {
				return nil, err
			}
			emit(domain.Event{Type: domain.EventEvaluatorProgress, Data: map[string]any{
				"evaluatorName":   name,
				"evaluatorIndex":  i,
				"totalEvaluators": len(evaluators),
				"currentFile":     file,
				"totalFiles":      len(files),
			}})
		}
		emit(domain.Event{Type: domain.EventFileCompleted, Data: map[string]any{
			"filePath":       file,
			"completedFiles": fi + 1,
			"totalFiles":     len(files),
		}})
	}

	for _, name := range evaluators {
		evaluations = append(evaluations, map[string]any{
			"evaluator": name,
			"score":     8.0,
			"issues": []any{
				map[string]any{
					"severity": "suggestion",
					"file":     files[0],
					"line":     float64(1),
					"message":  fmt.Sprintf("stub %s finding", name),
				},
			},
		})
	}

	emit(domain.Event{Type: domain.EventCurationStarted, Data: map[string]any{
		"issueType":   "suggestion",
		"totalIssues": len(evaluators),
	}})
	emit(domain.Event{Type: domain.EventCurationCompleted, Data: map[string]any{
		"issueType":    "suggestion",
		"curatedCount": 3,
	}})

	return map[string]any{
		"overallScore": 8.0,
		"mode":         mode,
		"evaluations":  evaluations,
	}, nil
}

// Remediate runs the scripted remediation, emitting step events.
func (e *Engine) Remediate(ctx domain.Context, req domain.RemediationRequest, emit func(domain.Event)) (map[string]any, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	for _, step := range []string{"analyzing", "patching", "verifying"} {
		if err := e.pause(ctx); err != nil {
			return nil, err
		}
		emit(domain.Event{Type: "remediation.progress", Data: map[string]any{
			"step":         step,
			"evaluationId": req.EvaluationID,
		}})
	}
	return map[string]any{
		"evaluationId": req.EvaluationID,
		"patchedFiles": []any{"internal/service/service.go"},
		"summary":      "Applied 1 suggested fix.",
	}, nil
}

func (e *Engine) pause(ctx domain.Context) error {
	if e.Delay <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("op=engine.stub: %w", err)
		}
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("op=engine.stub: %w", ctx.Err())
	case <-time.After(e.Delay):
		return nil
	}
}
