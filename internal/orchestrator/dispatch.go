package orchestrator

import (
	"sort"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/supervisor"
)

// supervisorEntry is a routable Supervisor plus the capabilities it
// declares, used for selection.
type supervisorEntry struct {
	id           string
	sup          *supervisor.Supervisor
	capabilities map[string]bool
}

// load returns a cheap load figure (queued + in-flight) for ranking
// candidates with equal declared capability.
func (e *supervisorEntry) load() int64 {
	st := e.sup.Status()
	return int64(st.QueueDepth) + st.InFlight
}

// successRate returns the entry's recent success rate, 1.0 if it has not
// processed anything yet (treated optimistically until proven otherwise).
func (e *supervisorEntry) successRate() float64 {
	st := e.sup.Status()
	total := st.TotalProcessed + st.TotalFailed
	if total == 0 {
		return 1.0
	}
	return float64(st.TotalProcessed) / float64(total)
}

// selectSupervisor picks the best supervisor covering capability, per §4.5
// step 4: rank by load ascending, then recent success rate descending, then
// a deterministic tie-break on id. It also returns every candidate id that
// covered capability, ranked in the same order, for the route audit trail.
func selectSupervisor(entries map[string]*supervisorEntry, capability string) (*supervisorEntry, []string, error) {
	var candidates []*supervisorEntry
	for _, e := range entries {
		if e.capabilities[capability] {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, nil, apperrors.NoCapableAgent(capability)
	}

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := candidates[i].load(), candidates[j].load()
		if li != lj {
			return li < lj
		}
		si, sj := candidates[i].successRate(), candidates[j].successRate()
		if si != sj {
			return si > sj
		}
		return candidates[i].id < candidates[j].id
	})

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return candidates[0], ids, nil
}

// selectSupervisors resolves one supervisor per required capability,
// deduplicating when a single supervisor covers more than one of them.
// The returned candidatesByCapability maps each requested capability to the
// ranked list of supervisor ids that were eligible for it.
func selectSupervisors(entries map[string]*supervisorEntry, capabilities []string) (chosen map[string]*supervisorEntry, candidatesByCapability map[string][]string, err error) {
	chosen = make(map[string]*supervisorEntry)
	candidatesByCapability = make(map[string][]string, len(capabilities))
	for _, cap := range capabilities {
		e, ids, err := selectSupervisor(entries, cap)
		if err != nil {
			return nil, nil, err
		}
		chosen[e.id] = e
		candidatesByCapability[cap] = ids
	}
	return chosen, candidatesByCapability, nil
}
