// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/native-sampler/capture"
)

func TestParseArgsDefaults(t *testing.T) {
	cfg, err := parseArgs(nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, defaultArgWindow, cfg.Window)
	assert.Equal(t, defaultArgSamplesPerWindow, cfg.SamplesPerWindow)
	assert.Equal(t, defaultArgAverageLookback, cfg.AverageLookback)
	assert.Equal(t, defaultArgBudgetLookback, cfg.BudgetLookback)
	assert.Equal(t, defaultStrategy(), cfg.Strategy)
	assert.Equal(t, capture.DefaultMaxDepth, cfg.MaxDepth)
	assert.Equal(t, defaultArgOutput, cfg.Output)
	assert.Empty(t, cfg.ConfigFile)
	assert.Positive(t, cfg.Workers)
	assert.Zero(t, cfg.Duration)
	assert.False(t, cfg.VerboseMode)
	assert.NotNil(t, cfg.Fs)
}

func TestParseArgs(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "sampler.conf")
	require.NoError(t, os.WriteFile(configFile, []byte(
		"samples-per-window 7\nbudget-lookback 3\nsome-future-option 1\n"), 0o600))

	tests := map[string]struct {
		args []string
		env  map[string]string
		err  bool
		test func(*testing.T, int, int, time.Duration, string)
	}{
		"flags": {
			args: []string{"-window", "250ms", "-samples-per-window", "5",
				"-strategy", "runtime", "-o", "out.pb.gz"},
			test: func(t *testing.T, spw, _ int, window time.Duration, output string) {
				assert.Equal(t, 5, spw)
				assert.Equal(t, 250*time.Millisecond, window)
				assert.Equal(t, "out.pb.gz", output)
			},
		},
		"environment": {
			env: map[string]string{
				"NATIVE_SAMPLER_SAMPLES_PER_WINDOW": "9",
				"NATIVE_SAMPLER_WINDOW":             "2s",
			},
			test: func(t *testing.T, spw, _ int, window time.Duration, _ string) {
				assert.Equal(t, 9, spw)
				assert.Equal(t, 2*time.Second, window)
			},
		},
		"config file": {
			args: []string{"-config", configFile},
			test: func(t *testing.T, spw, budgetLookback int, _ time.Duration, _ string) {
				assert.Equal(t, 7, spw)
				assert.Equal(t, 3, budgetLookback)
			},
		},
		"flags override config file": {
			args: []string{"-config", configFile, "-samples-per-window", "11"},
			test: func(t *testing.T, spw, budgetLookback int, _ time.Duration, _ string) {
				assert.Equal(t, 11, spw)
				assert.Equal(t, 3, budgetLookback)
			},
		},
		"config file from environment": {
			env: map[string]string{"NATIVE_SAMPLER_CONFIG": configFile},
			test: func(t *testing.T, spw, budgetLookback int, _ time.Duration, _ string) {
				assert.Equal(t, 7, spw)
				assert.Equal(t, 3, budgetLookback)
			},
		},
		"missing config file": {
			args: []string{"-config", filepath.Join(t.TempDir(), "missing.conf")},
			test: func(t *testing.T, spw, _ int, _ time.Duration, _ string) {
				assert.Equal(t, defaultArgSamplesPerWindow, spw)
			},
		},
		"bad duration": {
			args: []string{"-window", "often"},
			err:  true,
		},
		"unknown flag": {
			args: []string{"-frequency", "99"},
			err:  true,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range test.env {
				t.Setenv(k, v)
			}
			cfg, err := parseArgs(test.args)
			if test.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			test.test(t, cfg.SamplesPerWindow, cfg.BudgetLookback, cfg.Window, cfg.Output)
		})
	}
}
