package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probingClient struct {
	ClientFunc
	err error
}

func (p probingClient) Probe(context.Context) error { return p.err }

func TestSetRegisterAndGet(t *testing.T) {
	s := NewSet(nil)
	s.Register("echo", ClientFunc(func(_ context.Context, modelID string, req Request) (Result, error) {
		return Result{Content: modelID + ":" + req.Prompt}, nil
	}))

	c, ok := s.Get("echo")
	require.True(t, ok)
	res, err := c.Invoke(context.Background(), "m", Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "m:hi", res.Content)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestProbeAllRecordsHealth(t *testing.T) {
	s := NewSet(nil)
	s.Register("up", probingClient{})
	s.Register("down", probingClient{err: errors.New("connection refused")})
	s.Register("plain", ClientFunc(nil))

	assert.True(t, s.Healthy("down"), "unprobed providers are healthy")

	s.ProbeAll(context.Background())
	assert.True(t, s.Healthy("up"))
	assert.False(t, s.Healthy("down"))
	assert.True(t, s.Healthy("plain"))

	// Re-registering clears the verdict.
	s.Register("down", probingClient{})
	assert.True(t, s.Healthy("down"))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Equal(t, int64(1), EstimateTokens("abc"))
	assert.Equal(t, int64(1), EstimateTokens("abcd"))
	assert.Equal(t, int64(2), EstimateTokens("abcde"))
}
