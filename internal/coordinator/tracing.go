// Tracing instrumentation for the coordinator.
package coordinator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"VeriSwarm/internal/agent"
)

const tracerName = "VeriSwarm/internal/coordinator"

// defaultTracer returns the global tracer; it is a no-op until the host installs an SDK provider.
func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startWorkflowSpan starts the root span of a workflow run.
func (c *Coordinator) startWorkflowSpan(ctx context.Context, workflowID string, skipPlanning bool) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "workflow.run")
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.Bool("workflow.skip_planning", skipPlanning),
	)
	return ctx, span
}

// endWorkflowSpan ends the workflow span with result info.
func (c *Coordinator) endWorkflowSpan(span trace.Span, result *WorkflowResult) {
	span.SetAttributes(
		attribute.String("workflow.state", string(result.State)),
		attribute.Float64("workflow.consensus_score", result.ConsensusScore),
		attribute.Bool("workflow.is_verified", result.IsVerified),
		attribute.String("workflow.bundle_id", result.EvidenceBundleID),
	)
	if result.State == StateFailedPlanning {
		span.SetStatus(codes.Error, result.FinalOutput)
	}
	span.End()
}

// startStageSpan starts a span for a single coordinator stage.
func (c *Coordinator) startStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "stage."+stage)
	span.SetAttributes(attribute.String("stage.name", stage))
	return ctx, span
}

// startSubtaskSpan starts a span for one planned subtask.
func (c *Coordinator) startSubtaskSpan(ctx context.Context, sub agent.PlannedSubTask) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "subtask."+sub.ID)
	span.SetAttributes(
		attribute.String("subtask.id", sub.ID),
		attribute.String("subtask.type", string(sub.Type)),
		attribute.Int("subtask.priority", sub.Priority),
	)
	return ctx, span
}

func endSpan(span trace.Span, failure string) {
	if failure != "" {
		span.RecordError(errors.New(failure))
		span.SetStatus(codes.Error, failure)
	}
	span.End()
}
