package stub_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/engine/stub"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

func TestEngine_Evaluate_EventSequence(t *testing.T) {
	t.Parallel()
	e := &stub.Engine{Files: []string{"main.go"}}
	var events []domain.Event
	req := domain.EvaluateRequest{Payload: map[string]any{"repoUrl": "https://example.com/r.git"}}

	result, err := e.Evaluate(context.Background(), req, func(ev domain.Event) { events = append(events, ev) })
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventJobStarted, events[0].Type)
	assert.Equal(t, "git", events[0].String("mode"))

	var progress int
	for _, ev := range events {
		if ev.Type == domain.EventEvaluatorProgress {
			progress++
		}
	}
	assert.Equal(t, len(domain.EvaluatorRegistry), progress)
	assert.Equal(t, domain.EventCurationCompleted, events[len(events)-1].Type)

	issues := domain.ExtractIssues(result)
	assert.Len(t, issues, len(domain.EvaluatorRegistry))
}

func TestEngine_Evaluate_Err(t *testing.T) {
	t.Parallel()
	e := &stub.Engine{Err: errors.New("scripted failure")}
	_, err := e.Evaluate(context.Background(), domain.EvaluateRequest{}, func(domain.Event) {})
	require.Error(t, err)
}

func TestEngine_Remediate_Steps(t *testing.T) {
	t.Parallel()
	e := &stub.Engine{}
	var steps []string
	req := domain.RemediationRequest{EvaluationID: "eval-1"}

	result, err := e.Remediate(context.Background(), req, func(ev domain.Event) {
		steps = append(steps, ev.String("step"))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"analyzing", "patching", "verifying"}, steps)
	assert.Equal(t, "eval-1", result["evaluationId"])
}

func TestEngine_Evaluate_CancelledContext(t *testing.T) {
	t.Parallel()
	e := &stub.Engine{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Evaluate(ctx, domain.EvaluateRequest{}, func(domain.Event) {})
	require.ErrorIs(t, err, context.Canceled)
}
