package members

import (
	"errors"
	"fmt"
)

// AlreadyMemberError is returned on a duplicate add or invite: the target is
// already an active member or already has a pending invitation.
type AlreadyMemberError struct {
	CommunityID string
	MemberType  string
	MemberID    string
}

func (e *AlreadyMemberError) Error() string {
	return fmt.Sprintf("%s %s is already a member of community %s", e.MemberType, e.MemberID, e.CommunityID)
}

// IsAlreadyMember reports whether err is an AlreadyMemberError.
func IsAlreadyMember(err error) bool {
	var target *AlreadyMemberError
	return errors.As(err, &target)
}

// InvalidMemberError is returned when a payload references a member that does
// not exist or is not addressable by the operation.
type InvalidMemberError struct {
	MemberType string
	MemberID   string
	Reason     string
}

func (e *InvalidMemberError) Error() string {
	return fmt.Sprintf("invalid member %s %s: %s", e.MemberType, e.MemberID, e.Reason)
}

// IsInvalidMember reports whether err is an InvalidMemberError.
func IsInvalidMember(err error) bool {
	var target *InvalidMemberError
	return errors.As(err, &target)
}
