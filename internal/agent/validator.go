package agent

import (
	"context"
	"fmt"
	"strings"

	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/internal/inference"
)

// ValidationResult 是校验器的判定。
type ValidationResult struct {
	IsValid           bool     `json:"is_valid"`
	Confidence        float64  `json:"confidence"`
	Issues            []string `json:"issues"`
	Recommendations   []string `json:"recommendations"`
	ConsensusVerified bool     `json:"consensus_verified"`
	Fallback          bool     `json:"fallback,omitempty"`
}

type validationPayload struct {
	IsValid         *bool    `json:"is_valid"`
	Confidence      *float64 `json:"confidence"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// Validator 评审聚合后的输出。
type Validator struct {
	base
}

// NewValidator 创建校验器。
func NewValidator(client inference.Client, opts ...Option) *Validator {
	return &Validator{base: newBase("validator", client, opts)}
}

// Validate 对 content 进行一次评审，返回承载 ValidationResult 的任务。
func (v *Validator) Validate(ctx context.Context, content, originalTask string, consensusScore float64) *Task {
	task := NewTask("validate: "+truncate(originalTask, 120), Input{Type: TypeValidation})
	return v.run(task, func() (Result, error) {
		resp, err := v.infer(ctx, validationPrompt(content, originalTask, consensusScore), inference.Options{})
		if err != nil {
			return Result{}, err
		}
		result := ParseValidation(resp.Content, consensusScore)
		if result.Fallback {
			v.log.Info("校验结果解析失败，按共识分数判定", "task_id", task.ID, "score", consensusScore)
		}
		return Result{Validation: result}, nil
	})
}

// FallbackValidation 仅根据共识分数给出判定。
func FallbackValidation(consensusScore float64) *ValidationResult {
	return &ValidationResult{
		IsValid:           consensusScore >= inference.ConsensusThreshold,
		Confidence:        clamp01(consensusScore),
		Issues:            []string{},
		Recommendations:   []string{},
		ConsensusVerified: consensusScore >= inference.ConsensusThreshold,
	}
}

// ParseValidation 解析模型输出；缺失字段取回退值，完全无法解析时附带一条说明。
func ParseValidation(raw string, consensusScore float64) *ValidationResult {
	result := FallbackValidation(consensusScore)
	payload, ok := parseStructuredOrDefault(raw, func() validationPayload { return validationPayload{} })
	if !ok {
		perr := xerrors.New(xerrors.CodeValidationParse, "validator output could not be parsed")
		result.Fallback = true
		result.Issues = append(result.Issues,
			fmt.Sprintf("%s; verdict derived from consensus score", perr.Message()))
		return result
	}

	if payload.IsValid != nil {
		result.IsValid = *payload.IsValid
	}
	if payload.Confidence != nil {
		result.Confidence = clamp01(*payload.Confidence)
	}
	for _, issue := range payload.Issues {
		if issue = strings.TrimSpace(issue); issue != "" {
			result.Issues = append(result.Issues, issue)
		}
	}
	for _, rec := range payload.Recommendations {
		if rec = strings.TrimSpace(rec); rec != "" {
			result.Recommendations = append(result.Recommendations, rec)
		}
	}
	return result
}

func validationPrompt(content, originalTask string, consensusScore float64) string {
	var builder strings.Builder
	builder.WriteString("You are the validation agent of a verifiable inference swarm.\n")
	builder.WriteString("Review the answer below for correctness, completeness and consistency with the task.\n\n")
	builder.WriteString("Original task: ")
	builder.WriteString(strings.TrimSpace(originalTask))
	builder.WriteString("\n\nAnswer:\n")
	builder.WriteString(strings.TrimSpace(content))
	builder.WriteString(fmt.Sprintf("\n\nWorker consensus score: %.2f (threshold %.2f)\n\n", consensusScore, inference.ConsensusThreshold))
	builder.WriteString(`Respond with JSON only: {"is_valid": true, "confidence": 0.0, "issues": [], "recommendations": []}`)
	return builder.String()
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
