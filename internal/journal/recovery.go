package journal

// TaskOutcome is what Recover decided for one task found in the journal.
type TaskOutcome struct {
	TaskID            string
	LastKind          Kind
	RecoveredFromCrash bool // true if the task was left non-terminal and had to be force-finalized
}

// QuotaState accumulates the net effect of QuotaRoll records for one
// provider, restoring the Provider Pool's rate-window counters on restart.
type QuotaState struct {
	ProviderID string
	Used       int64
	WindowSeq  int64 // seq of the last QuotaRoll applied, for idempotency checks
}

// RecoverySummary is the result of replaying the journal at startup.
type RecoverySummary struct {
	Tasks  map[string]*TaskOutcome
	Quotas map[string]*QuotaState
}

// Recover replays the full journal and reconstructs the state spec.md §8
// requires be restorable after a crash: every task's outcome (terminal as
// recorded, or force-finalized if it was left in-flight) and every
// provider's quota window counters.
func Recover(records []Record) *RecoverySummary {
	summary := &RecoverySummary{
		Tasks:  make(map[string]*TaskOutcome),
		Quotas: make(map[string]*QuotaState),
	}
	resumable := make(map[string]bool)

	for _, r := range records {
		switch r.Kind {
		case KindTaskCreated, KindTaskDispatched:
			if r.TaskID == "" {
				continue
			}
			if _, exists := summary.Tasks[r.TaskID]; !exists {
				summary.Tasks[r.TaskID] = &TaskOutcome{TaskID: r.TaskID}
			}
			summary.Tasks[r.TaskID].LastKind = r.Kind
			resumable[r.TaskID] = r.Idempotent

		case KindTaskTerminal:
			if r.TaskID == "" {
				continue
			}
			outcome, exists := summary.Tasks[r.TaskID]
			if !exists {
				outcome = &TaskOutcome{TaskID: r.TaskID}
				summary.Tasks[r.TaskID] = outcome
			}
			outcome.LastKind = KindTaskTerminal
			outcome.RecoveredFromCrash = false

		case KindQuotaRoll:
			providerID, _ := r.Payload["providerId"].(string)
			if providerID == "" {
				continue
			}
			q, exists := summary.Quotas[providerID]
			if !exists {
				q = &QuotaState{ProviderID: providerID}
				summary.Quotas[providerID] = q
			}
			if r.Idempotent && q.WindowSeq >= r.Seq {
				continue
			}
			if used, ok := r.Payload["used"].(float64); ok {
				q.Used = int64(used)
			}
			q.WindowSeq = r.Seq
		}
	}

	// Any task whose last known record left it non-terminal did not finish
	// before the crash; mark it Failed/RecoveredFromCrash per §8 unless its
	// last record was itself flagged idempotent-safe to resume.
	for _, outcome := range summary.Tasks {
		if outcome.LastKind != KindTaskTerminal && !resumable[outcome.TaskID] {
			outcome.RecoveredFromCrash = true
		}
	}

	return summary
}
