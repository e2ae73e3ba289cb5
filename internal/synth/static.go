package synth

import (
	"context"
	"fmt"
	"strings"
)

// StaticGenerator returns a canned query over the first table in the prompt's
// schema block. It stands in for the reasoning service when no API key is
// configured (dev profile) and in tests.
type StaticGenerator struct {
	SQL string
}

func (g *StaticGenerator) Generate(_ context.Context, prompt string) (string, error) {
	if g.SQL != "" {
		return g.SQL, nil
	}
	table := firstTableInPrompt(prompt)
	if table == "" {
		return "", fmt.Errorf("no tables available in schema context")
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT 5", table), nil
}

func firstTableInPrompt(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "Table: "); ok {
			return strings.TrimSpace(name)
		}
	}
	return ""
}
