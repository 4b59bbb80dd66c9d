package account

import "testing"

func testAccounts() []Account {
	return []Account{
		{Name: "alice", Label: "Alice", Provider: "anthropic", Token: "tok-alice"},
		{Name: "bob", Label: "Bob", Provider: "openai", Token: "tok-bob"},
	}
}

func TestGetReturnsKnownAccount(t *testing.T) {
	r := NewRegistry(testAccounts())
	a, ok := r.Get("alice")
	if !ok {
		t.Fatal("expected alice to be found")
	}
	if a.Label != "Alice" {
		t.Errorf("Label = %q, want Alice", a.Label)
	}
}

func TestGetMissingAccount(t *testing.T) {
	r := NewRegistry(testAccounts())
	if _, ok := r.Get("eve"); ok {
		t.Fatal("expected eve to be missing")
	}
}

func TestAuthenticateRequiresMatchingToken(t *testing.T) {
	r := NewRegistry(testAccounts())
	if !r.Authenticate("alice", "tok-alice") {
		t.Error("expected alice to authenticate with correct token")
	}
	if r.Authenticate("alice", "wrong") {
		t.Error("expected alice to fail with wrong token")
	}
	if r.Authenticate("alice", "") {
		t.Error("expected empty token to fail")
	}
	if r.Authenticate("eve", "tok-alice") {
		t.Error("expected unknown account to fail")
	}
}

func TestListScrubsTokens(t *testing.T) {
	r := NewRegistry(testAccounts())
	for _, a := range r.List() {
		if a.Token != "" {
			t.Errorf("account %q leaked token in List()", a.Name)
		}
	}
}

func TestReplaceSwapsContents(t *testing.T) {
	r := NewRegistry(testAccounts())
	r.Replace([]Account{{Name: "carol", Label: "Carol"}})

	if _, ok := r.Get("alice"); ok {
		t.Error("expected alice to be gone after Replace")
	}
	if _, ok := r.Get("carol"); !ok {
		t.Error("expected carol to be present after Replace")
	}
}

func TestValidNameMethodChecksRegistryMembership(t *testing.T) {
	r := NewRegistry(testAccounts())
	if !r.ValidName("alice") {
		t.Error("expected alice to be a valid, known name")
	}
	if r.ValidName("eve") {
		t.Error("expected eve to be invalid (not in registry)")
	}
	if r.ValidName("  ") {
		t.Error("expected blank name to be invalid")
	}
}

func TestValidNameFunctionChecksShapeOnly(t *testing.T) {
	if !ValidName("anyone") {
		t.Error("expected non-blank name to be shape-valid")
	}
	if ValidName("   ") {
		t.Error("expected blank name to be shape-invalid")
	}
}
