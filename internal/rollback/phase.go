package rollback

// Phase is one of the four RollbackControllerState phases. It lives in
// its own file because both the router (read-only) and the manager
// (read-write) need the vocabulary without the router depending on the
// rest of the rollback package's machinery.
type Phase string

const (
	PhaseActive        Phase = "active"
	PhaseRollingBack   Phase = "rolling_back"
	PhaseRolledBack    Phase = "rolled_back"
	PhaseRollbackFailed Phase = "rollback_failed"
)
