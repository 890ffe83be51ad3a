package domain

// MembershipKind tags a MembershipEvent.
type MembershipKind string

const (
	MembershipCreated        MembershipKind = "created"
	MembershipInvited        MembershipKind = "invited"
	MembershipJoined         MembershipKind = "joined"
	MembershipLeft           MembershipKind = "left"
	MembershipRenamed        MembershipKind = "renamed"
	MembershipDeleted        MembershipKind = "deleted"
	MembershipMembersAdded   MembershipKind = "membersAdded"
	MembershipMembersRemoved MembershipKind = "membersRemoved"
)

// MembershipEvent describes a change to group composition or metadata.
// Which fields are meaningful depends on Kind:
//
//	created, joined    Conversation (participant snapshot), UserIDs (joiners)
//	invited            InviterID
//	left               UserIDs (leavers)
//	renamed            NewName
//	membersAdded       UserIDs, optional Conversation snapshot
//	membersRemoved     UserIDs
//	deleted            -
type MembershipEvent struct {
	Kind           MembershipKind
	ConversationID string
	NewName        string
	UserIDs        []string
	InviterID      string
	Conversation   *Conversation
}

// Names reports whether userID is among the affected users.
func (e MembershipEvent) Names(userID string) bool {
	for _, id := range e.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// MemberState is the per-conversation state of the current user.
type MemberState string

const (
	StateNotMember MemberState = "not-a-member"
	StateInvited   MemberState = "invited"
	StateMember    MemberState = "member"
	StateLeft      MemberState = "left"
	StateRemoved   MemberState = "removed"
	StateDeleted   MemberState = "deleted"
)
