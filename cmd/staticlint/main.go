// Command staticlint bundles the analyzers run over the gram sources into a
// single multichecker binary.
//
// Always enabled: a set of passes from the Go toolchain, ineffassign, nilerr
// and the project analyzers noosexit and nointernalerr. Checks from the
// staticcheck suite are picked by name in a JSON file:
//
//	{
//	  "staticcheck": ["SA*"],
//	  "simple": ["S1000"],
//	  "stylecheck": ["ST1005"]
//	}
//
// A trailing "*" selects every check with that prefix. The file is looked up
// in $STATICLINT_CONFIG, then as config.json next to the binary, then in the
// working directory; without one all SA checks run.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gordonklaus/ineffassign/pkg/ineffassign"
	"github.com/gostaticanalysis/nilerr"
	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/multichecker"
	"golang.org/x/tools/go/analysis/passes/copylock"
	"golang.org/x/tools/go/analysis/passes/loopclosure"
	"golang.org/x/tools/go/analysis/passes/lostcancel"
	"golang.org/x/tools/go/analysis/passes/printf"
	"golang.org/x/tools/go/analysis/passes/structtag"
	"golang.org/x/tools/go/analysis/passes/unmarshal"
	"golang.org/x/tools/go/analysis/passes/unreachable"
	"honnef.co/go/tools/analysis/lint"
	"honnef.co/go/tools/simple"
	"honnef.co/go/tools/staticcheck"
	"honnef.co/go/tools/stylecheck"

	"github.com/patric-chuzhbe/gram/cmd/staticlint/nointernalerr"
	"github.com/patric-chuzhbe/gram/cmd/staticlint/noosexit"
)

const configFileName = `config.json`

type lintConfig struct {
	Staticcheck []string `json:"staticcheck"`
	Simple      []string `json:"simple"`
	Stylecheck  []string `json:"stylecheck"`
}

var defaultLintConfig = lintConfig{
	Staticcheck: []string{"SA*"},
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "staticlint:", err)
		return
	}

	checks := []*analysis.Analyzer{
		copylock.Analyzer,
		loopclosure.Analyzer,
		lostcancel.Analyzer,
		printf.Analyzer,
		structtag.Analyzer,
		unmarshal.Analyzer,
		unreachable.Analyzer,

		ineffassign.Analyzer,
		nilerr.Analyzer,

		noosexit.Analyzer,
		nointernalerr.Analyzer,
	}
	checks = append(checks, selectAnalyzers(staticcheck.Analyzers, cfg.Staticcheck)...)
	checks = append(checks, selectAnalyzers(simple.Analyzers, cfg.Simple)...)
	checks = append(checks, selectAnalyzers(stylecheck.Analyzers, cfg.Stylecheck)...)

	multichecker.Main(checks...)
}

func loadConfig() (lintConfig, error) {
	for _, path := range configCandidates() {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return lintConfig{}, err
		}

		var cfg lintConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return lintConfig{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		return cfg, nil
	}

	return defaultLintConfig, nil
}

func configCandidates() []string {
	var candidates []string
	if path := os.Getenv("STATICLINT_CONFIG"); path != "" {
		candidates = append(candidates, path)
	}
	if executable, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(executable), configFileName))
	}

	return append(candidates, configFileName)
}

// selectAnalyzers keeps the analyzers whose names match one of patterns.
func selectAnalyzers(available []*lint.Analyzer, patterns []string) []*analysis.Analyzer {
	var selected []*analysis.Analyzer
	for _, candidate := range available {
		if matchesAny(candidate.Analyzer.Name, patterns) {
			selected = append(selected, candidate.Analyzer)
		}
	}

	return selected
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if prefix, wildcard := strings.CutSuffix(pattern, "*"); wildcard {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if name == pattern {
			return true
		}
	}

	return false
}
