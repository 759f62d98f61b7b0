package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "elspeth", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestNewProviderWithNilConfig(t *testing.T) {
	// nil config falls back to defaults, which have telemetry off.
	p, err := New(context.Background(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTrackNode(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false}, nil)
	require.NoError(t, err)

	ctx, finish := p.TrackNode(context.Background(), "enrich", "TRANSFORM")
	require.NotNil(t, ctx)
	time.Sleep(time.Millisecond)
	finish(nil)
}

func TestTrackNodeWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false}, nil)
	require.NoError(t, err)

	_, finish := p.TrackNode(context.Background(), "enrich", "TRANSFORM")
	finish(errors.New("node failed"))
}

func TestShutdownDisabledProvider(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}
