package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", map[string]string{}},
		{"a=1", map[string]string{"a": "1"}},
		{"a=1, b = two ,broken,=x", map[string]string{"a": "1", "b": "two"}},
		{"Authorization=Basic abc=", map[string]string{"Authorization": "Basic abc="}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseHeaders(tt.in), tt.in)
	}
}

func TestInitNoneAndSpans(t *testing.T) {
	require.NoError(t, Init(Config{Exporter: ExporterNone}))

	ctx, span := StartSpan(context.Background(), "test.span", attribute.String("k", "v"))
	require.NotNil(t, ctx)
	EndSpan(span, nil)

	_, span = StartSpan(context.Background(), "test.failing")
	EndSpan(span, errors.New("boom"))

	assert.NoError(t, Shutdown(context.Background()))
}

func TestInitUnknownExporter(t *testing.T) {
	err := Init(Config{Exporter: "zipkin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zipkin")
}
