package rpcperm

import "testing"

func TestRequiredKnownMethods(t *testing.T) {
	cases := map[string]Level{
		"agent.status":   LevelRead,
		"agent.ping":     LevelRead,
		"command.run":    LevelExecute,
		"docker.logs":    LevelExecute,
		"agent.register": LevelAdmin,
		"agent.configure": LevelAdmin,
	}
	for method, want := range cases {
		if got := Required(method); got != want {
			t.Errorf("Required(%q) = %v, want %v", method, got, want)
		}
	}
}

func TestRequiredUnknownMethodDefaultsToAdmin(t *testing.T) {
	if got := Required("totally.unknown.method"); got != LevelAdmin {
		t.Fatalf("Required(unknown) = %v, want LevelAdmin", got)
	}
}

func TestAllows(t *testing.T) {
	cases := []struct {
		granted, required Level
		want               bool
	}{
		{LevelAdmin, LevelRead, true},
		{LevelAdmin, LevelExecute, true},
		{LevelAdmin, LevelAdmin, true},
		{LevelExecute, LevelRead, true},
		{LevelExecute, LevelExecute, true},
		{LevelExecute, LevelAdmin, false},
		{LevelRead, LevelExecute, false},
		{LevelRead, LevelRead, true},
	}
	for _, tc := range cases {
		if got := Allows(tc.granted, tc.required); got != tc.want {
			t.Errorf("Allows(%v, %v) = %v, want %v", tc.granted, tc.required, got, tc.want)
		}
	}
}

func TestLevelString(t *testing.T) {
	if LevelRead.String() != "read" || LevelExecute.String() != "execute" || LevelAdmin.String() != "admin" {
		t.Fatal("Level.String() mismatch")
	}
}
