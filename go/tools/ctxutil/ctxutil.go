// Copyright 2025 Supabase, Inc.
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
// Package ctxutil derives contexts for background work.
package ctxutil

import (
	"context"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
)

type parentSpanContextKey struct{}

// Detach returns a context that is never cancelled and has no deadline,
// but carries parent's baggage. Parent's span is not active in the
// returned context; it is kept for StartLinkedSpan, so background work
// gets its own trace linked to the request that started it.
func Detach(parent context.Context) context.Context {
	//nolint:gocritic // entry point for detached contexts
	ctx := context.Background()
	if bag := baggage.FromContext(parent); bag.Len() > 0 {
		ctx = baggage.ContextWithBaggage(ctx, bag)
	}
	if sc := trace.SpanContextFromContext(parent); sc.IsValid() {
		ctx = context.WithValue(ctx, parentSpanContextKey{}, sc)
	}
	return ctx
}

// ParentSpanContext returns the span context Detach saved, if any.
func ParentSpanContext(ctx context.Context) (trace.SpanContext, bool) {
	psc, ok := ctx.Value(parentSpanContextKey{}).(trace.SpanContext)
	return psc, ok
}

// StartLinkedSpan starts a root span, linked to the span Detach saved in
// ctx when there is one.
func StartLinkedSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	spanOpts := []trace.SpanStartOption{trace.WithNewRoot()}
	if psc, ok := ParentSpanContext(ctx); ok {
		spanOpts = append(spanOpts, trace.WithLinks(trace.Link{SpanContext: psc}))
	}
	return tracer.Start(ctx, name, append(spanOpts, opts...)...)
}
