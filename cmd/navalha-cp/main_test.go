package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		pricePlan, priceSeats = "basic", 1
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() { Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit }()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"

	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "navalha-cp 1.2.3")
	assert.Contains(t, output, "Built: 2026-01-01")
	assert.Contains(t, output, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	output, err = execute(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, output, "Built:")
	assert.NotContains(t, output, "Commit:")
}

func TestPriceCmd(t *testing.T) {
	output, err := execute(t, "price", "--plan", "premium", "--seats", "3")
	require.NoError(t, err)
	assert.Contains(t, output, "R$ 175.00/month")

	output, err = execute(t, "price", "--plan", "basic", "--seats", "4")
	require.NoError(t, err)
	assert.Contains(t, output, "R$ 134.00/month")

	_, err = execute(t, "price", "--plan", "gold", "--seats", "1")
	assert.Error(t, err)

	_, err = execute(t, "price", "--seats", "0")
	assert.Error(t, err)
}

func TestServeFailsWithoutConfig(t *testing.T) {
	t.Setenv("CP_ADMIN_KEY", "")
	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
