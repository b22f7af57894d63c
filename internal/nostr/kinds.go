package nostr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nostr-account/internal/types"
	"nostr-account/internal/util"
)

// Event kinds read by the account engine
const (
	KindProfile       = 0
	KindRelayList     = 10002 // NIP-65
	KindSimpleGroups  = 10009 // NIP-51 simple groups list
	KindGroupMetadata = 39000 // NIP-29
)

// ErrMalformedContent is returned when an event cannot be interpreted as the record it claims to be
var ErrMalformedContent = errors.New("malformed content")

// ParseProfile reads a kind 0 event authored by pubkey into a profile.
// Content must be a JSON object; unknown or non-string fields are ignored.
func ParseProfile(evt *types.Event, pubkey string) (*types.ProfileInfo, error) {
	if evt == nil || evt.Kind != KindProfile || evt.PubKey != pubkey {
		return nil, fmt.Errorf("%w: not a profile of %s", ErrMalformedContent, ShortID(pubkey))
	}

	var profileData map[string]interface{}
	if err := json.Unmarshal([]byte(evt.Content), &profileData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	if profileData == nil {
		return nil, fmt.Errorf("%w: profile content is null", ErrMalformedContent)
	}

	profile := &types.ProfileInfo{}
	if name, ok := profileData["name"].(string); ok {
		profile.Name = name
	}
	if displayName, ok := profileData["display_name"].(string); ok {
		profile.DisplayName = displayName
	}
	if picture, ok := profileData["picture"].(string); ok {
		profile.Picture = picture
	}
	if nip05, ok := profileData["nip05"].(string); ok {
		profile.Nip05 = nip05
	}
	if about, ok := profileData["about"].(string); ok {
		profile.About = about
	}
	if banner, ok := profileData["banner"].(string); ok {
		profile.Banner = banner
	}
	if lud16, ok := profileData["lud16"].(string); ok {
		profile.Lud16 = lud16
	}
	if website, ok := profileData["website"].(string); ok {
		profile.Website = website
	}
	return profile, nil
}

// ParseRelayList parses r tags of a kind 10002 event.
// No marker means both read and write; unknown markers and bad URLs are dropped.
func ParseRelayList(evt *types.Event) *types.RelayList {
	relayList := &types.RelayList{
		Read:      []string{},
		Write:     []string{},
		CreatedAt: evt.CreatedAt,
	}

	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		relayURL := NormalizeRelayURL(tag[1])
		if relayURL == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = strings.ToLower(strings.TrimSpace(tag[2]))
		}

		switch marker {
		case "read":
			relayList.Read = append(relayList.Read, relayURL)
		case "write":
			relayList.Write = append(relayList.Write, relayURL)
		case "":
			relayList.Read = append(relayList.Read, relayURL)
			relayList.Write = append(relayList.Write, relayURL)
		}
	}

	relayList.Read = util.DedupeStrings(relayList.Read)
	relayList.Write = util.DedupeStrings(relayList.Write)
	return relayList
}

// ParseMembershipList reads the group tags of a kind 10009 event: ["group", id, relay, ...].
// Entries with an empty id or an invalid relay are skipped; repeated pairs are kept once.
func ParseMembershipList(evt *types.Event) (*types.MembershipList, error) {
	if evt == nil || evt.Kind != KindSimpleGroups {
		return nil, fmt.Errorf("%w: not a membership list", ErrMalformedContent)
	}

	list := &types.MembershipList{
		PubKey:    evt.PubKey,
		Groups:    []types.GroupRef{},
		CreatedAt: evt.CreatedAt,
	}
	seen := make(map[string]bool)
	for _, tag := range evt.Tags {
		if len(tag) < 3 || tag[0] != "group" {
			continue
		}
		ref := types.GroupRef{ID: strings.TrimSpace(tag[1]), Relay: NormalizeRelayURL(tag[2])}
		if ref.ID == "" || ref.Relay == "" || seen[ref.Key()] {
			continue
		}
		seen[ref.Key()] = true
		list.Groups = append(list.Groups, ref)
	}
	return list, nil
}

// ParseGroup reads a kind 39000 group metadata event served by relay.
func ParseGroup(evt *types.Event, relay string) (*types.GroupRecord, error) {
	if evt == nil || evt.Kind != KindGroupMetadata {
		return nil, fmt.Errorf("%w: not group metadata", ErrMalformedContent)
	}

	group := &types.GroupRecord{
		ID:    util.GetTagValue(evt.Tags, "d"),
		Relay: relay,
	}
	for _, tag := range evt.Tags {
		if len(tag) == 0 {
			continue
		}
		value := ""
		if len(tag) >= 2 {
			value = tag[1]
		}
		switch tag[0] {
		case "name":
			group.Name = value
		case "about":
			group.About = value
		case "picture":
			group.Picture = value
		case "open":
			group.Open = true
		case "closed":
			group.Open = false
		case "public":
			group.Public = true
		case "private":
			group.Public = false
		}
	}
	if group.ID == "" {
		return nil, fmt.Errorf("%w: group metadata without d tag", ErrMalformedContent)
	}
	return group, nil
}
