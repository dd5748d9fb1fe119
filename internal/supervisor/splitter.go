package supervisor

import "github.com/kdlbs/agentmesh/internal/registry"

// splitTargets picks which candidate agents a task fans out to. A task
// whose Payload carries a positive "fanOut" count is split across up to
// that many distinct Ready agents (round-robin over the candidate list,
// starting from cursor so repeated dispatches spread load); any other task
// is routed to exactly one agent, the candidate at cursor, so single-agent
// dispatches rotate over the candidate list too.
func splitTargets(candidates []*registry.Agent, fanOut int, cursor int) ([]*registry.Agent, int) {
	if len(candidates) == 0 {
		return nil, cursor
	}
	if fanOut <= 1 {
		idx := cursor % len(candidates)
		return candidates[idx : idx+1], cursor + 1
	}
	if fanOut > len(candidates) {
		fanOut = len(candidates)
	}

	targets := make([]*registry.Agent, 0, fanOut)
	seen := make(map[int]bool, fanOut)
	idx := cursor
	for len(targets) < fanOut {
		pos := idx % len(candidates)
		if !seen[pos] {
			seen[pos] = true
			targets = append(targets, candidates[pos])
		}
		idx++
	}
	return targets, idx
}
