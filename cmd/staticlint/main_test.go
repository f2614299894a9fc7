package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"honnef.co/go/tools/staticcheck"
)

func TestMatchesAny(t *testing.T) {
	testCases := []struct {
		name     string
		check    string
		patterns []string
		expected bool
	}{
		{name: "exact", check: "SA1000", patterns: []string{"SA1000"}, expected: true},
		{name: "prefix", check: "SA4010", patterns: []string{"SA4*"}, expected: true},
		{name: "other prefix", check: "SA4010", patterns: []string{"SA1*"}, expected: false},
		{name: "no patterns", check: "SA4010", expected: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.expected, matchesAny(testCase.check, testCase.patterns))
		})
	}
}

func TestSelectAnalyzers(t *testing.T) {
	selected := selectAnalyzers(staticcheck.Analyzers, []string{"SA4006"})
	require.Len(t, selected, 1)
	assert.Equal(t, "SA4006", selected[0].Name)

	assert.Len(t, selectAnalyzers(staticcheck.Analyzers, []string{"SA*"}), len(staticcheck.Analyzers))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lint.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"staticcheck":["SA1*"],"stylecheck":["ST1005"]}`), 0o600))
	t.Setenv("STATICLINT_CONFIG", path)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"SA1*"}, cfg.Staticcheck)
	assert.Equal(t, []string{"ST1005"}, cfg.Stylecheck)
	assert.Empty(t, cfg.Simple)
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lint.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	t.Setenv("STATICLINT_CONFIG", path)

	_, err := loadConfig()
	assert.Error(t, err)
}
