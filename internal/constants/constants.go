package constants

// Advisory lock ids shared by every instance.
const (
	MigrationLock = iota + 7301
	SettingScheduleLock
)

var Locks = []int{
	MigrationLock,
	SettingScheduleLock,
}

const (
	// RecentOutcomeWindow is how many stored outcomes the scheduler loads before
	// prepending the outcome of the run that just finished.
	RecentOutcomeWindow = 6
)
