// Package compute defines the contract between the job core and the docking
// backends that turn one molecule and one receptor into a score.
package compute

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"dockingserver/internal/apperrors"
	"dockingserver/internal/receptor"
)

// Request is one docking computation.
type Request struct {
	SMILES   string
	Receptor *receptor.Receptor
	Options  Options
}

// Func computes a score for a single request.
type Func func(ctx context.Context, req Request) (float64, error)

// Scorer is a docking backend.
type Scorer interface {
	Score(ctx context.Context, req Request) (float64, error)
	// Ready reports whether the backend can accept work.
	Ready(ctx context.Context) error
}

// FuncOf returns the Scorer's Score method as a Func.
func FuncOf(s Scorer) Func {
	return s.Score
}

// CheckScore converts scores that must not be reported as numbers into compute
// failures. Non-finite scores always fail. Scores above ceiling fail when the
// request asked for sentinels to be dropped.
func CheckScore(score float64, opts Options, ceiling float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return apperrors.Compute("compute.score", fmt.Errorf("score is not a finite number: %v", score))
	}
	if opts.NanToNone && ceiling > 0 && score > ceiling {
		return apperrors.Compute("compute.score", fmt.Errorf("score %g exceeds ceiling %g", score, ceiling))
	}
	return nil
}

// parseScore returns the last line of output that parses as a float.
func parseScore(output []byte) (float64, error) {
	var (
		score float64
		found bool
	)
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if v, err := strconv.ParseFloat(line, 64); err == nil {
			score, found = v, true
		}
	}
	if !found {
		return 0, fmt.Errorf("no score in scorer output")
	}
	return score, nil
}

// tail returns at most the last n bytes of b as a trimmed string.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

// args is the command line shared by every backend.
func args(receptorPath, smiles string) []string {
	return []string{"--receptor", receptorPath, "--smiles", smiles}
}
