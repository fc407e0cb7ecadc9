package model

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID_Format(t *testing.T) {
	for _, idType := range []IDType{IDTypeStory, IDTypeExecution, IDTypeCheckpoint, IDTypeDelegation, IDTypeJob, IDTypeSession, IDTypeResult} {
		id, err := GenerateID(idType)
		if err != nil {
			t.Fatalf("GenerateID(%s) failed: %v", idType, err)
		}
		if !ValidateID(id) {
			t.Errorf("generated ID %q does not validate", id)
		}
		if !strings.HasPrefix(id, string(idType)+"_") {
			t.Errorf("ID %q missing prefix %s_", id, idType)
		}
	}
}

func TestGenerateID_InvalidType(t *testing.T) {
	if _, err := GenerateID("bogus"); err == nil {
		t.Errorf("GenerateID(bogus) succeeded, want error")
	}
}

func TestValidateID(t *testing.T) {
	cases := []struct {
		id    string
		valid bool
	}{
		{"story_1700000000_deadbeef", true},
		{"exec_1700000000_00ff00ff", true},
		{"story_1700000000_DEADBEEF", false}, // uppercase hex
		{"story_170000000_deadbeef", false},  // 9-digit timestamp
		{"unknown_1700000000_deadbeef", false},
		{"story_1700000000_deadbee", false}, // 7 hex chars
		{"", false},
	}
	for _, c := range cases {
		if got := ValidateID(c.id); got != c.valid {
			t.Errorf("ValidateID(%q) = %v, want %v", c.id, got, c.valid)
		}
	}
}

func TestParseIDType(t *testing.T) {
	idType, err := ParseIDType("dlg_1700000000_deadbeef")
	if err != nil {
		t.Fatalf("ParseIDType failed: %v", err)
	}
	if idType != IDTypeDelegation {
		t.Errorf("ParseIDType = %q, want %q", idType, IDTypeDelegation)
	}
}

func TestParseIDTimestamp(t *testing.T) {
	id, err := GenerateID(IDTypeJob)
	if err != nil {
		t.Fatalf("GenerateID failed: %v", err)
	}
	ts, err := ParseIDTimestamp(id)
	if err != nil {
		t.Fatalf("ParseIDTimestamp failed: %v", err)
	}
	if d := time.Since(ts); d < 0 || d > time.Minute {
		t.Errorf("parsed timestamp %v not near now", ts)
	}
}
