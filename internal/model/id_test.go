package model

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypePipeline, IDTypeTask} {
		id := GenerateID(idType)
		if !strings.HasPrefix(id, string(idType)+"_") {
			t.Errorf("id %q missing prefix %q", id, idType)
		}
		if !ValidateID(id) {
			t.Errorf("generated id %q fails validation", id)
		}
	}
}

func TestGenerateID_UnknownTypeFailsValidation(t *testing.T) {
	if ValidateID(GenerateID("bogus")) {
		t.Error("id with unknown type prefix must not validate")
	}
}

func TestParseIDType(t *testing.T) {
	idType, err := ParseIDType(GenerateID(IDTypePipeline))
	if err != nil {
		t.Fatalf("ParseIDType failed: %v", err)
	}
	if idType != IDTypePipeline {
		t.Errorf("ParseIDType = %q, want %q", idType, IDTypePipeline)
	}

	if _, err := ParseIDType("not_an_id"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestParseIDTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, err := ParseIDTimestamp(GenerateID(IDTypeTask))
	if err != nil {
		t.Fatalf("ParseIDTimestamp failed: %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("timestamp %v outside expected window", ts)
	}
}
