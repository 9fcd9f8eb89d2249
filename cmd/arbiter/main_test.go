package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"arbiter/internal/config"
	"arbiter/internal/model"
)

func TestRollbackPolicy_NormalizesLowercasedKeys(t *testing.T) {
	// Viper lowercases map keys on unmarshal, so the config arrives with
	// keys like "order_failure" even when the YAML spells them upper-case.
	rc := config.RollbackConfig{
		DefaultStrategies: map[string]string{
			"order_failure":     "IMMEDIATE_CANCEL",
			"market_disruption": "hedge_position",
		},
		MaxRollbackTimesMS: map[string]int{
			"high":     30000,
			"critical": 10000,
		},
	}

	policy := rollbackPolicy(rc)

	assert.Equal(t, model.ImmediateCancel, policy.Strategies[model.TriggerOrderFailure])
	assert.Equal(t, model.HedgePosition, policy.Strategies[model.TriggerMarketDisruption])
	assert.Equal(t, 30*time.Second, policy.Budgets[model.SeverityHigh])
	assert.Equal(t, 10*time.Second, policy.Budgets[model.SeverityCritical])
}

func TestRollbackPolicy_KeepsDefaultsForUnsetKeys(t *testing.T) {
	policy := rollbackPolicy(config.RollbackConfig{})

	assert.Equal(t, model.ImmediateCancel, policy.Strategies[model.TriggerOrderFailure])
	assert.Equal(t, 120*time.Second, policy.Budgets[model.SeverityLow])
}
