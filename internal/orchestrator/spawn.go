package orchestrator

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"vaultagent/internal/agentdef"
	"vaultagent/internal/queue"
)

var spawnBlockRe = regexp.MustCompile("(?ms)^```spawn\\s*$\\n(.*?)^```\\s*$")

// spawnDirective is the JSON body of a fenced spawn block.
type spawnDirective struct {
	Agent    string `json:"agent"`
	Message  string `json:"message"`
	Priority string `json:"priority,omitempty"`
	Context  string `json:"context,omitempty"`
}

// parseSpawnDirectives scans assistant text for fenced blocks labeled spawn.
// Invalid JSON is skipped.
func parseSpawnDirectives(text string) []spawnDirective {
	matches := spawnBlockRe.FindAllStringSubmatch(text, -1)
	out := []spawnDirective{}
	for _, m := range matches {
		var d spawnDirective
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &d); err != nil {
			continue
		}
		if strings.TrimSpace(d.Agent) == "" {
			continue
		}
		out = append(out, d)
	}
	return out
}

// dispatchSpawns enqueues child work for each directive the parent is
// permitted to spawn. Depth violations and denied permissions log and skip.
func (o *Orchestrator) dispatchSpawns(parent *agentdef.Definition, text string, parentDepth int) []string {
	spawned := []string{}
	for _, d := range parseSpawnDirectives(text) {
		if !parent.CanSpawn(d.Agent) {
			o.logger.Warn("spawn denied by permissions", "parent", parent.Path, "child", d.Agent)
			continue
		}
		req := Request{
			AgentPath:      d.Agent,
			Message:        d.Message,
			InitialContext: d.Context,
		}
		id, err := o.EnqueueRun(req, queue.ParsePriority(d.Priority), parentDepth+1, parent.Path, nil)
		if err != nil {
			if errors.Is(err, ErrDepthExceeded) {
				o.logger.Warn("spawn dropped at depth limit", "parent", parent.Path, "child", d.Agent, "depth", parentDepth+1)
			} else {
				o.logger.Warn("spawn enqueue failed", "child", d.Agent, "error", err)
			}
			continue
		}
		spawned = append(spawned, id)
	}
	return spawned
}
