package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

const plannerSystemPrompt = `You are the task planner of a personal assistant.
Split the user's request into the smallest set of subtasks, each handled by exactly one of the listed domains.

Rules:
1. Use only domains from the list. If no domain fits a part of the request, leave that part out.
2. Give every task a short id (t1, t2, ...) and a one-line description written as a command to the domain.
3. When a task needs the output of another task, list that task in depends_on and write {{<id>.result}} where the output belongs.
4. Independent tasks must not depend on each other.

Reply with JSON only:
{"tasks":[{"id":"t1","domain":"calendar","description":"list today's events","depends_on":[]}]}`

func buildPlannerPrompt(request string, domains []DomainInfo, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("Domains:\n")
	for _, d := range domains {
		fmt.Fprintf(&sb, "- %s", d.Domain)
		if len(d.Tags) > 0 {
			fmt.Fprintf(&sb, " (handles: %s)", strings.Join(d.Tags, ", "))
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nCurrent time: %s (%s)\n", now.Format(time.RFC3339), now.Weekday())
	fmt.Fprintf(&sb, "\nRequest: %s", request)
	return sb.String()
}
