package types

// RelayList represents a user's NIP-65 relay list
type RelayList struct {
	Read      []string `json:"read"`
	Write     []string `json:"write"`
	CreatedAt int64    `json:"created_at"`
}
