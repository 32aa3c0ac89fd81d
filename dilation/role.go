package dilation

// Role is which side of a dilated connection leads the dial race for each
// generation (original source's dilation::manager::Role).
type Role int

const (
	RoleLeader Role = iota
	RoleFollower
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// DetermineRole decides Leader/Follower from the two sides' wormhole
// session side strings: the side whose string sorts first leads. Both
// peers reach the same answer without a separate election message, since
// the side strings are already exchanged as part of every mailbox message
// (spec.md §4.1 "side"). Equal side strings never reach this point: each
// session ignores mailbox messages carrying its own side, so two sessions
// with the same side never get past the pake phase.
func DetermineRole(ourSide, peerSide string) Role {
	if ourSide < peerSide {
		return RoleLeader
	}
	return RoleFollower
}
