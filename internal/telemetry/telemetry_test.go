package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "guardvault", Version: "test"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	counter, err := Meter("guardvault/test").Int64Counter("guardvault.test.calls")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
}
