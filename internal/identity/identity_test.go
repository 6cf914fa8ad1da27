package identity

import "testing"

func newTestResolver() *Resolver {
	return NewResolver([]Person{
		{Name: "Alice", Home: "/home/alice/project", Profile: ProfileDefault, ChatUserIDs: []string{"tg:100"}},
	})
}

func TestResolveKnownChatUser(t *testing.T) {
	r := newTestResolver()
	res, err := r.Resolve(Request{Origin: OriginChatAdapter, ChatUserID: "tg:100"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ProjectPath != "/home/alice/project" {
		t.Errorf("ProjectPath = %q, want alice's home", res.ProjectPath)
	}
	if res.Profile != ProfileDefault {
		t.Errorf("Profile = %q, want default", res.Profile)
	}
	if res.Person == nil || res.Person.Name != "Alice" {
		t.Errorf("Person = %+v, want Alice", res.Person)
	}
}

func TestResolveUnknownChatUser(t *testing.T) {
	r := newTestResolver()
	res, err := r.Resolve(Request{Origin: OriginChatAdapter, ChatUserID: "tg:999"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ProjectPath != HelpDeskPath {
		t.Errorf("ProjectPath = %q, want help-desk path", res.ProjectPath)
	}
	if res.Profile != ProfileRestricted {
		t.Errorf("Profile = %q, want restricted", res.Profile)
	}
	if res.Person != nil {
		t.Errorf("Person = %+v, want nil for unknown user", res.Person)
	}
}

func TestResolveToolSocketHonorsRequestedPath(t *testing.T) {
	r := newTestResolver()
	res, err := r.Resolve(Request{Origin: OriginToolSocket, RequestedProjectPath: "/home/bob/work"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ProjectPath != "/home/bob/work" {
		t.Errorf("ProjectPath = %q, want caller's chosen path", res.ProjectPath)
	}
	if res.Profile != ProfileDefault {
		t.Errorf("Profile = %q, want default (no override)", res.Profile)
	}
}

func TestResolveRelayedInheritsInitiator(t *testing.T) {
	r := newTestResolver()
	want := &Resolution{ProjectPath: "/home/alice/project", Profile: ProfileDefault}
	lookup := func(sessionID string) (*Resolution, error) {
		if sessionID != "parent-session" {
			t.Fatalf("lookup called with %q, want parent-session", sessionID)
		}
		return want, nil
	}
	res, err := r.Resolve(Request{Origin: OriginRelayedNode, InitiatorSessionID: "parent-session"}, lookup)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res != want {
		t.Errorf("res = %+v, want the looked-up resolution", res)
	}
}

func TestResolveRelayedWithoutInitiatorIDErrors(t *testing.T) {
	r := newTestResolver()
	_, err := r.Resolve(Request{Origin: OriginRelayedNode}, func(string) (*Resolution, error) { return nil, nil })
	if err == nil {
		t.Fatal("expected an error for a relayed request with no initiator_session_id")
	}
}

func TestResolveUnknownOriginErrors(t *testing.T) {
	r := newTestResolver()
	_, err := r.Resolve(Request{Origin: "bogus"}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown origin")
	}
}

func TestResolverProfileFallsBackToRestricted(t *testing.T) {
	r := newTestResolver()
	p := r.Profile("nonexistent")
	if p.Name != ProfileRestricted {
		t.Errorf("Profile(unknown) = %+v, want the restricted profile", p)
	}
}

func TestResolverProfileLooksUpConfigured(t *testing.T) {
	r := newTestResolver()
	r.Profiles = map[ProfileName]Profile{
		ProfileDefault: {Name: ProfileDefault, FullAuthority: true},
	}
	p := r.Profile(ProfileDefault)
	if !p.FullAuthority {
		t.Errorf("Profile(default) = %+v, want FullAuthority", p)
	}
}

func TestProfileShellAllowed(t *testing.T) {
	full := Profile{Name: ProfileDefault, FullAuthority: true}
	if !full.ShellAllowed("rm -rf /") {
		t.Error("a full-authority profile should allow any command")
	}

	restricted := Profile{Name: ProfileRestricted, ShellAllow: []string{"git *", "ls"}}
	if !restricted.ShellAllowed("git status") {
		t.Error("expected git status to match the git * pattern")
	}
	if restricted.ShellAllowed("rm -rf /") {
		t.Error("expected rm to be denied by a restricted profile's allow-list")
	}
	if restricted.ShellAllowed("") {
		t.Error("empty command should not match any pattern")
	}
}

func TestProfileValidateRejectsBadPattern(t *testing.T) {
	p := Profile{Name: ProfileRestricted, ShellAllow: []string{"[unterminated"}}
	if err := p.Validate(); err == nil {
		t.Error("expected Validate to reject a malformed glob pattern")
	}
}
