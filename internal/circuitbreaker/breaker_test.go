package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
	})

	failing := func() (interface{}, error) { return nil, errors.New("boom") }

	_, err := cb.Execute(failing)
	require.Error(t, err)
	assert.Equal(t, StateClosed, cb.State())

	_, err = cb.Execute(failing)
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	_, err = cb.Execute(failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenRecoversToClosedOnSuccess(t *testing.T) {
	cb := New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     5 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StaleGenerationIgnored(t *testing.T) {
	cb := New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Interval:    5 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return false },
	})

	generation, err := cb.beforeRequest()
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	cb.State() // forces a new generation via the closed-state interval expiry

	cb.afterRequest(generation, false)
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)
}

func TestMarketplaceCircuitBreakers_NamesWired(t *testing.T) {
	breakers := NewMarketplaceCircuitBreakers()
	assert.Equal(t, "marketplace", breakers.Marketplace.Name())
	assert.Equal(t, "claim-detector", breakers.ClaimDetector.Name())
	assert.Equal(t, "mcde", breakers.MCDE.Name())
	assert.Equal(t, "refund-engine", breakers.RefundEngine.Name())

	status, _ := breakers.HealthStatus()
	assert.Equal(t, "HEALTHY", status)
}

func TestExecuteWithFallback_UsesFallbackOnOpenCircuit(t *testing.T) {
	cb := New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	assert.Equal(t, StateOpen, cb.State())

	result, err := ExecuteWithFallback(cb,
		func() (string, error) { return "live", nil },
		func(error) (string, error) { return "fallback", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
}
