package scrub

// Status is the outcome of one scrub job. Values above StatusFindings
// are passed through from the tool and combined bitwise, so any nonzero
// aggregate means at least one filesystem needs attention.
type Status int

const (
	// StatusClean means no problems were found.
	StatusClean Status = 0
	// StatusFindings means problems were found or repairs were made.
	StatusFindings Status = 1
	// StatusUnableToRun means the scrub tool could not be started.
	StatusUnableToRun Status = -1
)

// UnitState is the decoded activation state of a service unit.
type UnitState int

const (
	UnitUnknown UnitState = iota
	UnitActive
	UnitInactive
	UnitFailed
)

func (s UnitState) String() string {
	switch s {
	case UnitActive:
		return "active"
	case UnitInactive:
		return "inactive"
	case UnitFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// unitStateFromActiveState decodes systemd's ActiveState property.
// Transitional states count as active: the job is still in flight.
func unitStateFromActiveState(s string) UnitState {
	switch s {
	case "active", "activating", "reloading", "deactivating":
		return UnitActive
	case "inactive":
		return UnitInactive
	case "failed":
		return UnitFailed
	default:
		return UnitUnknown
	}
}
