package depot

// DefaultGapThreshold is the largest change-number gap the external
// catalog service will serve as an incremental delta. Past it the
// service answers with "full update required", so the engine refuses to
// start an incremental run at all.
const DefaultGapThreshold uint64 = 20000

// appsPerChange is the empirically observed ratio of affected apps to
// catalog changes. Only used for the human-facing estimate in gap
// warnings, never for correctness decisions.
const appsPerChange = 0.04

// GapDecision is the outcome of evaluating staleness before an
// incremental run.
type GapDecision struct {
	AllowIncremental      bool
	Gap                   uint64
	EstimatedAffectedApps uint64
}

// EvaluateGap decides whether an incremental sync is permitted given the
// last processed and the service's current change numbers. last == 0
// means the engine has no change history at all, which always forces a
// full acquisition. Pure function, safe to call at any time.
func EvaluateGap(last, current, threshold uint64) GapDecision {
	if last == 0 || current < last {
		return GapDecision{AllowIncremental: false}
	}
	gap := current - last
	return GapDecision{
		AllowIncremental:      gap <= threshold,
		Gap:                   gap,
		EstimatedAffectedApps: uint64(float64(gap) * appsPerChange),
	}
}
