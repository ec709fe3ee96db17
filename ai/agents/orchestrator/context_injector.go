package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

var taskResultRegex = regexp.MustCompile(`\{\{([a-zA-Z0-9_\-]+)\.result\}\}`)

// references returns the task ids referenced by {{id.result}} placeholders.
func references(input string) []string {
	var ids []string
	for _, m := range taskResultRegex.FindAllStringSubmatch(input, -1) {
		ids = append(ids, m[1])
	}
	return ids
}

// resolveInput replaces {{id.result}} placeholders with the text results of
// completed upstream tasks.
func resolveInput(input string, upstream map[string]string) (string, error) {
	var err error
	resolved := taskResultRegex.ReplaceAllStringFunc(input, func(match string) string {
		id := taskResultRegex.FindStringSubmatch(match)[1]
		result, ok := upstream[id]
		if !ok {
			err = fmt.Errorf("reference to %q is not a completed dependency", id)
			return match
		}
		return strings.TrimSpace(result)
	})
	if err != nil {
		return "", err
	}
	return resolved, nil
}
