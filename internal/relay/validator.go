package relay

import "github.com/vovakirdan/wirechat-relay/internal/store"

// Validate checks, in order, that the group exists, that userID is a member
// and that userID is present in the live chat. A nil group means absent.
func Validate(group *store.Group, userID string) (*store.Group, error) {
	if group == nil {
		return nil, relayError(KindNotFound, "", msgGroupNotFound, nil)
	}
	if !group.IsMember(userID) {
		return nil, relayError(KindForbidden, CodeNotMember, msgNotMember, nil)
	}
	if !group.IsConnected(userID) {
		return nil, relayError(KindForbidden, CodeNotConnected, msgNotConnected, nil)
	}
	return group, nil
}
