// Package identity resolves an incoming start_session request's origin to
// a project path and agent profile (spec.md §4.8).
package identity

import (
	"fmt"

	"github.com/gobwas/glob"
)

// ProfileName names one of the two mandated agent profiles.
type ProfileName string

const (
	ProfileDefault    ProfileName = "default"
	ProfileRestricted ProfileName = "restricted"
)

// Profile is a named configuration of CLI flags and directory permissions:
// a read/write directory allow-list and shell-allow glob patterns,
// applied per-profile rather than per-process.
type Profile struct {
	Name            ProfileName
	ExtraFlags      []string
	ReadDirs        []string
	WriteDirs       []string
	ShellAllow      []string // glob patterns; empty means no shell access
	FullAuthority   bool
}

// Validate compiles every ShellAllow pattern, catching a malformed glob in
// config before it silently denies (or worse, admits) every command.
func (p Profile) Validate() error {
	for _, pattern := range p.ShellAllow {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("identity: profile %s: invalid shell_allow pattern %q: %w", p.Name, pattern, err)
		}
	}
	return nil
}

// ShellAllowed reports whether cmd matches one of the profile's ShellAllow
// glob patterns. FullAuthority profiles allow everything; a profile with
// no patterns and no full authority allows nothing, per the ShellAllow
// field's doc comment ("empty means no shell access"). An invalid pattern
// is treated as non-matching rather than a panic — Validate should be
// called at load time to surface a bad pattern earlier.
func (p Profile) ShellAllowed(cmd string) bool {
	if p.FullAuthority {
		return true
	}
	for _, pattern := range p.ShellAllow {
		g, err := glob.Compile(pattern)
		if err != nil {
			continue
		}
		if g.Match(cmd) {
			return true
		}
	}
	return false
}

// DefaultProfiles returns the two mandated profiles. Callers may override
// fields via config, but the two names are fixed.
func DefaultProfiles() map[ProfileName]Profile {
	return map[ProfileName]Profile{
		ProfileDefault: {
			Name:          ProfileDefault,
			FullAuthority: true,
		},
		ProfileRestricted: {
			Name:          ProfileRestricted,
			FullAuthority: false,
			ShellAllow:    nil,
		},
	}
}

// Person binds a human identity to a home project path and per-adapter
// user IDs.
type Person struct {
	Name            string
	Email           string
	Home            string // project path
	Profile         ProfileName
	ChatUserIDs     []string // e.g. Telegram user IDs
}

// Origin enumerates where a start_session request came from.
type Origin string

const (
	OriginChatAdapter    Origin = "chat_adapter"
	OriginToolSocket     Origin = "tool_socket"
	OriginRelayedNode    Origin = "relayed_node"
)

// Request carries the inputs the resolver needs to apply spec.md §4.8's
// four rules.
type Request struct {
	Origin               Origin
	ChatUserID           string // set when Origin == OriginChatAdapter
	RequestedProjectPath string // the caller-chosen path, honored for OriginToolSocket
	InitiatorSessionID   string // set when Origin == OriginRelayedNode
}

// Resolution is the outcome: the project path and agent profile to use,
// plus the resolved person when one was found.
type Resolution struct {
	ProjectPath string
	Profile     ProfileName
	Person      *Person
}

// HelpDeskPath is the reserved project path for unknown chat users.
const HelpDeskPath = "/srv/teleclaude/help-desk"

// InitiatorLookup resolves a session_id to the identity it was created
// under, for rule 4 (relayed sessions inherit the initiator's identity).
// It is satisfied by internal/session.Store via a small adapter in
// internal/backend, keeping internal/identity free of a Store
// dependency.
type InitiatorLookup func(sessionID string) (*Resolution, error)

// Resolver implements spec.md §4.8's identity and home routing rules.
type Resolver struct {
	People   []Person
	Profiles map[ProfileName]Profile
	byChat   map[string]*Person
}

// NewResolver builds a Resolver over people, indexing by chat user ID, with
// the two mandated profiles as a starting point. Callers that load
// per-profile permissions from config should overwrite r.Profiles
// afterward; Resolve itself only ever hands back a ProfileName, so a
// caller enforcing ShellAllow/ReadDirs/WriteDirs looks the full Profile up
// through this map.
func NewResolver(people []Person) *Resolver {
	r := &Resolver{People: people, Profiles: DefaultProfiles(), byChat: make(map[string]*Person)}
	for i := range r.People {
		p := &r.People[i]
		for _, id := range p.ChatUserIDs {
			r.byChat[id] = p
		}
	}
	return r
}

// Profile looks up a resolved ProfileName's full permissions, falling back
// to the restricted profile if name is unknown (fail closed).
func (r *Resolver) Profile(name ProfileName) Profile {
	if p, ok := r.Profiles[name]; ok {
		return p
	}
	return DefaultProfiles()[ProfileRestricted]
}

// Resolve applies the four rules from spec.md §4.8, in order:
//  1. chat adapter + known user  → person's home, default profile.
//  2. chat adapter + unknown user → help-desk path, restricted profile.
//  3. colocated tool socket      → no override, caller's path.
//  4. relayed from another node  → inherit initiator's identity.
func (r *Resolver) Resolve(req Request, lookupInitiator InitiatorLookup) (*Resolution, error) {
	switch req.Origin {
	case OriginChatAdapter:
		if p, ok := r.byChat[req.ChatUserID]; ok {
			profile := p.Profile
			if profile == "" {
				profile = ProfileDefault
			}
			return &Resolution{ProjectPath: p.Home, Profile: profile, Person: p}, nil
		}
		return &Resolution{ProjectPath: HelpDeskPath, Profile: ProfileRestricted}, nil

	case OriginToolSocket:
		return &Resolution{ProjectPath: req.RequestedProjectPath, Profile: ProfileDefault}, nil

	case OriginRelayedNode:
		if req.InitiatorSessionID == "" {
			return nil, fmt.Errorf("identity: relayed origin requires an initiator_session_id")
		}
		if lookupInitiator == nil {
			return nil, fmt.Errorf("identity: relayed origin requires an initiator lookup")
		}
		return lookupInitiator(req.InitiatorSessionID)

	default:
		return nil, fmt.Errorf("identity: unknown origin %q", req.Origin)
	}
}

// PersonByChatUserID looks up a person by their chat adapter user ID.
func (r *Resolver) PersonByChatUserID(chatUserID string) (*Person, bool) {
	p, ok := r.byChat[chatUserID]
	return p, ok
}
