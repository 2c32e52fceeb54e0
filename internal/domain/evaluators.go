package domain

// Evaluator names known to the service. The engine decides which ones to run;
// this registry only backs the /v1/config response and result shaping.
var EvaluatorRegistry = []string{
	"correctness",
	"security",
	"performance",
	"maintainability",
	"error-handling",
	"documentation",
}

// Issue is one finding extracted from an engine result payload.
type Issue struct {
	Evaluator string `json:"evaluator"`
	Severity  string `json:"severity"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
	Message   string `json:"message"`
}

// ExtractIssues flattens the issues arrays nested under each evaluator entry
// of a result payload. Results that do not follow the evaluator/issues shape
// yield no issues; the function never fails.
func ExtractIssues(result map[string]any) []Issue {
	if result == nil {
		return nil
	}
	evals, ok := result["evaluations"].([]any)
	if !ok {
		return nil
	}
	var out []Issue
	for _, e := range evals {
		em, ok := e.(map[string]any)
		if !ok {
			continue
		}
		name, _ := em["evaluator"].(string)
		issues, ok := em["issues"].([]any)
		if !ok {
			continue
		}
		for _, it := range issues {
			im, ok := it.(map[string]any)
			if !ok {
				continue
			}
			iss := Issue{Evaluator: name}
			iss.Severity, _ = im["severity"].(string)
			iss.File, _ = im["file"].(string)
			iss.Message, _ = im["message"].(string)
			if n, ok := im["line"].(float64); ok {
				iss.Line = int(n)
			}
			out = append(out, iss)
		}
	}
	return out
}

// CountIssuesBySeverity aggregates extracted issues per severity label.
func CountIssuesBySeverity(issues []Issue) map[string]int {
	counts := make(map[string]int)
	for _, i := range issues {
		sev := i.Severity
		if sev == "" {
			sev = "unknown"
		}
		counts[sev]++
	}
	return counts
}
