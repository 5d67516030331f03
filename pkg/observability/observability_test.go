package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsSafe(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// Every recording path must no-op without panicking.
	p.RecordAppend(ctx, "pipeline_event")
	p.RecordDenial(ctx, "expired")
	p.RecordLease(ctx, "env-prod")
	p.RecordDecision(ctx, "noop")
	assert.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "keel", cfg.ServiceName)
	assert.False(t, cfg.Enabled, "export is opt-in")
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}

func TestNilConfigUsesDefaults(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "keel", p.config.ServiceName)
}
