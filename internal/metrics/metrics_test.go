package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(AssignmentsTotal.WithLabelValues(AssignmentNew))
	AssignmentsTotal.WithLabelValues(AssignmentNew).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(AssignmentsTotal.WithLabelValues(AssignmentNew)))
}

func TestTracerIsNoopByDefault(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "test")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}
