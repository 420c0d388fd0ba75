package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// KindTuning holds per-kind saga overrides
type KindTuning struct {
	RetryCeiling int  `mapstructure:"retry_ceiling"`
	Notify       bool `mapstructure:"notify"`
}

// SagaTuning holds the per-kind tuning table
type SagaTuning struct {
	Kinds map[string]KindTuning `mapstructure:"kinds"`
}

// defaultRetryCeilings mirrors the ceilings each settlement kind ships with
var defaultRetryCeilings = map[string]int{
	"swap":            5,
	"withdrawal":      5,
	"airdrop_claim":   3,
	"referral_payout": 3,
	"deposit":         5,
}

// LoadSagaTuning reads per-kind overrides from an optional YAML file and
// SAGA_KINDS_<KIND>_<FIELD> environment variables. An empty path uses defaults.
func LoadSagaTuning(path string) (*SagaTuning, error) {
	v := viper.New()
	v.SetEnvPrefix("SAGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for kind, ceiling := range defaultRetryCeilings {
		v.SetDefault("kinds."+kind+".retry_ceiling", ceiling)
		v.SetDefault("kinds."+kind+".notify", true)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read saga tuning: %w", err)
		}
	}

	var tuning SagaTuning
	if err := v.Unmarshal(&tuning); err != nil {
		return nil, fmt.Errorf("unmarshal saga tuning: %w", err)
	}

	for kind, kt := range tuning.Kinds {
		if kt.RetryCeiling < 1 {
			return nil, fmt.Errorf("saga tuning: kinds.%s.retry_ceiling must be at least 1", kind)
		}
	}

	return &tuning, nil
}

// RetryCeiling returns the configured ceiling for kind, or fallback when unset
func (t *SagaTuning) RetryCeiling(kind string, fallback int) int {
	if t == nil {
		return fallback
	}
	if kt, ok := t.Kinds[kind]; ok && kt.RetryCeiling > 0 {
		return kt.RetryCeiling
	}
	return fallback
}

// NotifyEnabled reports whether notifications are enabled for kind
func (t *SagaTuning) NotifyEnabled(kind string) bool {
	if t == nil {
		return true
	}
	if kt, ok := t.Kinds[kind]; ok {
		return kt.Notify
	}
	return true
}
