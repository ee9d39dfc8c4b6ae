package driver

// guardTag is the reconciliation state between the local exclusive copy and
// the backend's polled record.
type guardTag int

const (
	// guardIdle: no exclusive anywhere that we know of.
	guardIdle guardTag = iota
	// guardLocalOnly: activated locally, not yet seen in a backend poll.
	guardLocalOnly
	// guardConfirmed: the local copy mirrors a backend-reported session,
	// either confirmed after activation or adopted on resume.
	guardConfirmed
	// guardManuallyCleared: the driver cancelled or completed; backend
	// payloads are ignored until the backend reports none.
	guardManuallyCleared
)

func (g guardTag) String() string {
	switch g {
	case guardIdle:
		return "idle"
	case guardLocalOnly:
		return "local_only"
	case guardConfirmed:
		return "confirmed"
	case guardManuallyCleared:
		return "manually_cleared"
	default:
		return "unknown"
	}
}

// guard holds the tag plus the id of the last session the driver cleared.
// clearedID outlives the ManuallyCleared tag when the driver activates a new
// exclusive before the backend caught up, so the old session can never be
// adopted again.
type guard struct {
	tag       guardTag
	clearedID string
}

// manualClear is the driver-visible flag. A new local activation lowers it
// even though clearedID is still suppressed.
func (g *guard) manualClear() bool {
	return g.tag == guardManuallyCleared
}

func (g *guard) clear(id string) {
	g.tag = guardManuallyCleared
	if id != "" {
		g.clearedID = id
	}
}

// backendReportedNone is the only way out of the manual-clear condition.
func (g *guard) backendReportedNone() {
	g.tag = guardIdle
	g.clearedID = ""
}

func (g *guard) suppresses(id string) bool {
	if g.tag == guardManuallyCleared {
		return true
	}
	return id != "" && id == g.clearedID
}

// localActivated records a fresh local activation. A pending clearedID is kept.
func (g *guard) localActivated() {
	g.tag = guardLocalOnly
}
