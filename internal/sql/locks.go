package sql

// Postgres advisory lock IDs for each subsystem to ensure only one of each
// subsystem is running on a tms cluster. It's important that they don't share
// the same value, hence placing them all in one place makes sense.
const (
	AssignerLockID int64 = iota + 413556298177340164
	SweeperLockID
	MonitorLockID
)
