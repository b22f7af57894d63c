package nostr

import (
	"slices"

	"nostr-account/internal/types"
)

// FilterToMap builds the NIP-01 REQ filter object
func FilterToMap(filter types.Filter) map[string]interface{} {
	reqFilter := map[string]interface{}{}
	if filter.Limit > 0 {
		reqFilter["limit"] = filter.Limit
	}
	if len(filter.IDs) > 0 {
		reqFilter["ids"] = filter.IDs
	}
	if len(filter.Authors) > 0 {
		reqFilter["authors"] = filter.Authors
	}
	if len(filter.Kinds) > 0 {
		reqFilter["kinds"] = filter.Kinds
	}
	if len(filter.DTags) > 0 {
		reqFilter["#d"] = filter.DTags
	}
	if filter.Since != nil {
		reqFilter["since"] = *filter.Since
	}
	if filter.Until != nil {
		reqFilter["until"] = *filter.Until
	}
	return reqFilter
}

// MatchFilter reports whether evt satisfies every populated field of filter.
// Limit is not considered.
func MatchFilter(filter types.Filter, evt *types.Event) bool {
	if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, evt.ID) {
		return false
	}
	if len(filter.Authors) > 0 && !slices.Contains(filter.Authors, evt.PubKey) {
		return false
	}
	if len(filter.Kinds) > 0 && !slices.Contains(filter.Kinds, evt.Kind) {
		return false
	}
	if len(filter.DTags) > 0 {
		d := ""
		for _, tag := range evt.Tags {
			if len(tag) >= 2 && tag[0] == "d" {
				d = tag[1]
				break
			}
		}
		if !slices.Contains(filter.DTags, d) {
			return false
		}
	}
	if filter.Since != nil && evt.CreatedAt < *filter.Since {
		return false
	}
	if filter.Until != nil && evt.CreatedAt > *filter.Until {
		return false
	}
	return true
}
