package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "promoguard-core", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Accessors still work without initialized providers.
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation_DisabledProviderIsSafe(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "consensus.evaluate",
		ConsensusEvaluation("g1", "CONFIRMED", 0.98)...)
	require.NotNil(t, ctx)
	done(nil)

	_, done = p.TrackOperation(context.Background(), "workflow.execute",
		WorkflowExecution("ev-1", "failed", 2)...)
	done(errors.New("bridge unavailable"))
}

func TestAttributeHelpers(t *testing.T) {
	attrs := SourceFetch("statsfeed", "g1")
	require.Contains(t, attrs, AttrSource.String("statsfeed"))
	require.Contains(t, attrs, AttrGameID.String("g1"))

	attrs = TriggerValidation("promo-1", "g1", true)
	require.Contains(t, attrs, AttrIsValid.Bool(true))

	attrs = ConsensusEvaluation("g1", "NEEDS_REVIEW", 0.0)
	require.Contains(t, attrs, attribute.KeyValue(AttrStatus.String("NEEDS_REVIEW")))
}
