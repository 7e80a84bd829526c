package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), Config{ServiceName: "rrsbridge-test", Tracing: true, Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "tm.commit")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "tm.commit")
	assert.Contains(t, buf.String(), "rrsbridge-test")
}

func TestShutdownWithNothingInstalled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.NoError(t, shutdown(context.Background()))
}
