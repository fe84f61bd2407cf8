package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsridhar76/go-fulfillment/internal/config"
)

func TestRootRegistersServices(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"products", "orders", "payments", "notification", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	a, err := newApp("orders", &globalFlags{store: config.StoreMemory, httpAddr: ":9999", logLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, config.StoreMemory, a.cfg.Store)
	assert.Equal(t, ":9999", a.cfg.HTTPAddr)
	assert.True(t, a.memoryStore())
}

func TestInvalidStoreFlagRejected(t *testing.T) {
	_, err := newApp("orders", &globalFlags{store: "mongo"})
	require.Error(t, err)
}

func TestMigrateRequiresPostgres(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"migrate", "--store", config.StoreMemory})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--store=postgres")
}

func TestSupervisorConfigFromBrokerSettings(t *testing.T) {
	a, err := newApp("payments", &globalFlags{store: config.StoreMemory})
	require.NoError(t, err)
	sc := a.supervisorConfig()
	assert.Equal(t, a.cfg.Broker.RetryDelay, sc.Retry.Delay)
	assert.Equal(t, a.cfg.Broker.MaxAttempts, sc.Retry.MaxAttempts)
	assert.Equal(t, a.cfg.Broker.HandlerTimeout, sc.HandlerTimeout)

	sup := a.kafka()
	require.Len(t, a.sups, 1)
	assert.Equal(t, sup, a.sups[0])
}
