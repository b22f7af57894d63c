package types

// GroupRecord is a group's metadata as published by its origin relay (kind 39000).
// Records are replaced wholesale on refresh, never patched.
type GroupRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	About   string `json:"about"`
	Relay   string `json:"relay"`
	Public  bool   `json:"public"`
	Open    bool   `json:"open"`
}

// GroupRef points at a group and the relay that hosts it
type GroupRef struct {
	ID    string `json:"id"`
	Relay string `json:"relay"`
}

// Key identifies the (group id, origin relay) pair
func (g GroupRef) Key() string {
	return g.Relay + "|" + g.ID
}

// MembershipList is a user's list of joined groups (kind 10009)
type MembershipList struct {
	PubKey    string     `json:"pubkey"`
	Groups    []GroupRef `json:"groups"`
	CreatedAt int64      `json:"created_at"`
}

// NewerThan reports whether l supersedes other. Only a strictly later
// created_at wins; equal timestamps are treated as stale.
func (l *MembershipList) NewerThan(other *MembershipList) bool {
	if l == nil {
		return false
	}
	if other == nil {
		return true
	}
	return l.CreatedAt > other.CreatedAt
}

// Clone returns a deep copy
func (l *MembershipList) Clone() *MembershipList {
	if l == nil {
		return nil
	}
	c := *l
	c.Groups = append([]GroupRef{}, l.Groups...)
	return &c
}
