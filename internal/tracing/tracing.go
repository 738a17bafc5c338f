// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing starts OpenTelemetry spans around runs and blocks.
// No exporter is configured here; the global tracer provider decides
// where spans go, and with the default no-op provider these helpers
// cost almost nothing.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tombee/cascade"

// Span wraps an otel span with the small surface the engine needs.
type Span struct {
	span trace.Span
}

// StartRun opens the root span for a workflow run.
func StartRun(ctx context.Context, runID, workflowID string) (context.Context, *Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cascade.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("workflow.id", workflowID),
		),
	)
	return ctx, &Span{span: span}
}

// StartBlock opens a child span for one block execution.
func StartBlock(ctx context.Context, blockID, blockType string) (context.Context, *Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cascade.block",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("block.id", blockID),
			attribute.String("block.type", blockType),
		),
	)
	return ctx, &Span{span: span}
}

// End closes the span, recording err when present.
func (s *Span) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// SetAttribute adds one string attribute.
func (s *Span) SetAttribute(key, value string) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.String(key, value))
}
