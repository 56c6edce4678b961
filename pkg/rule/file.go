package rule

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ReadHousekeepingFile reads a housekeeping-rules-file (spec.md §6: "one
// rule per line, whitespace-separated tokens"; in practice each line is
// already a canonical pipe-delimited rule string per §4.6, so only blank
// lines and "#"-prefixed comments are filtered here) and returns the raw
// rule strings in file order, ready to hand to a core App as the
// housekeeping list sent during LocalHandshake (spec.md §4.3 step 3) or
// to a local App's LocalHandshake for startup pre-population (SPEC_FULL
// §12).
func ReadHousekeepingFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rule: open housekeeping file %s: %w", path, err)
	}
	defer f.Close()

	var rules []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rules = append(rules, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("rule: read housekeeping file %s: %w", path, err)
	}
	return rules, nil
}
