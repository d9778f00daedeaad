package insert

// attemptState names where a single commit attempt is: Prepare ->
// Allocate -> LocalRename -> Assemble -> Submit -> Done, with branches
// Allocate -> Collide -> Allocate (sync retry), Submit -> Unknown ->
// Recheck -> (Done | Fail) (transport fault), and Allocate -> Conflict
// -> Caller (async fast-path). commitOne updates a local attemptState as
// it progresses through allocate/rename/assemble and reports it on every
// failed attempt (see logFailure in commit.go), rather than switching
// control flow on it — the transitions themselves are still plain
// sequential Go with early returns. stateSubmit/stateRecheck name
// assembleAndSubmit's own internal transport-fault branch, logged
// separately from there.
type attemptState int

const (
	statePrepare attemptState = iota
	stateAllocate
	stateAssemble
	stateLocalRename
	stateSubmit
	stateRecheck
	stateDone
)

func (s attemptState) String() string {
	switch s {
	case statePrepare:
		return "prepare"
	case stateAllocate:
		return "allocate"
	case stateAssemble:
		return "assemble"
	case stateLocalRename:
		return "local_rename"
	case stateSubmit:
		return "submit"
	case stateRecheck:
		return "recheck"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}
