// Package group derives conversation group names. A group is the set of
// live connections currently viewing one two-party conversation; its
// name is derived, never stored.
package group

// Separator joins the two usernames in a group name. Usernames must not
// contain it.
const Separator = "-"

// Name returns the deterministic group name for a conversation between
// two users. The lexicographically smaller username comes first, so
// Name(a, b) == Name(b, a) and both the join path and the broadcast
// path agree on the same group.
func Name(userA, userB string) string {
	if userA < userB {
		return userA + Separator + userB
	}
	return userB + Separator + userA
}
