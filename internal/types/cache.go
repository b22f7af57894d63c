package types

// CachedRelayList wraps relay list for serialization
type CachedRelayList struct {
	RelayList *RelayList `json:"relay_list,omitempty"`
	FetchedAt int64      `json:"fetched_at"`
	NotFound  bool       `json:"not_found"`
}

// CachedSnapshot wraps the persisted account snapshot
type CachedSnapshot struct {
	Account *Metadata `json:"account"`
	SavedAt int64     `json:"saved_at"`
}
