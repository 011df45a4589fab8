package qualitygate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// coveragePercentRe matches the last "NN.N%" occurrence in a coverage tool's
// stdout — good enough for `go test -cover`'s "coverage: 81.3% of statements"
// line and most other coverage tools' summary lines, without parsing any
// one tool's specific report format.
var coveragePercentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

func parseCoveragePercent(stdout string) (float64, error) {
	matches := coveragePercentRe.FindAllStringSubmatch(stdout, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("no coverage percentage found in gate output")
	}
	last := matches[len(matches)-1]
	return strconv.ParseFloat(last[1], 64)
}

func parseSeverityCounts(raw string) (map[string]int, error) {
	if raw == "" {
		return map[string]int{}, nil
	}
	var counts map[string]int
	if err := json.Unmarshal([]byte(raw), &counts); err != nil {
		return nil, fmt.Errorf("parse severity_counts: %w", err)
	}
	return counts, nil
}
