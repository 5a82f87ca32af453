package sbxstore

// Sandbox status as observed by the health prober.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusExpired = "expired"
	StatusUnknown = "unknown"
)

// Migration states of the clone-and-cutover protocol.
const (
	MigrationStart            = "start"
	MigrationOldConnected     = "old_connected"
	MigrationSnapshotCaptured = "snapshot_captured"
	MigrationNewCreated       = "new_created"
	MigrationNewRestored      = "new_restored"
	MigrationPointerSwapped   = "pointer_swapped"
	MigrationOldTerminated    = "old_terminated"
	MigrationDone             = "done"
	MigrationFailed           = "failed"
)

// ValidMigrationTransition checks whether a migration may move from one
// state to the next. Failed is reachable from every non-terminal state.
func ValidMigrationTransition(from, to string) bool {
	if to == MigrationFailed {
		return from != MigrationDone && from != MigrationFailed
	}
	switch from {
	case MigrationStart:
		return to == MigrationOldConnected
	case MigrationOldConnected:
		return to == MigrationSnapshotCaptured
	case MigrationSnapshotCaptured:
		return to == MigrationNewCreated
	case MigrationNewCreated:
		return to == MigrationNewRestored
	case MigrationNewRestored:
		return to == MigrationPointerSwapped
	case MigrationPointerSwapped:
		return to == MigrationOldTerminated
	case MigrationOldTerminated:
		return to == MigrationDone
	default:
		return false
	}
}
