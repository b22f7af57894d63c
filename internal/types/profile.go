package types

// ProfileInfo contains user profile metadata (kind 0)
type ProfileInfo struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Website     string `json:"website,omitempty"`
}

// Metadata is the account snapshot for one identity: profile fields plus
// the write relays and group memberships that arrive after login.
type Metadata struct {
	PubKey string `json:"pubkey"`
	ProfileInfo

	Nip05Valid         bool            `json:"nip05valid"`
	Groups             []GroupRecord   `json:"groups"`
	WriteRelays        []string        `json:"write_relays"`
	LastMembershipList *MembershipList `json:"last_membership_list,omitempty"`
}

// MinimalMetadata returns the record used when no relay produced a profile
func MinimalMetadata(pubkey string) *Metadata {
	return &Metadata{
		PubKey:      pubkey,
		Groups:      []GroupRecord{},
		WriteRelays: []string{},
	}
}

// Clone returns a deep copy so callers can mutate without touching shared instances
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Groups = append([]GroupRecord{}, m.Groups...)
	c.WriteRelays = append([]string{}, m.WriteRelays...)
	if m.LastMembershipList != nil {
		c.LastMembershipList = m.LastMembershipList.Clone()
	}
	return &c
}
