package kvs

import (
	"strings"
	"testing"
)

func TestValidate_Valid(t *testing.T) {
	errs := Validate([]Entry{
		{Key: "/C", Value: "/C/"},
		{Key: "/C/gnome-help", Value: "/C/gnome-help/"},
	})
	if len(errs) > 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
	if errs := Validate(nil); len(errs) > 0 {
		t.Errorf("expected no errors for no entries, got %v", errs)
	}
}

func TestValidate_KeyTooLong(t *testing.T) {
	errs := Validate([]Entry{{Key: "/" + strings.Repeat("a", 512), Value: "/dest"}})
	if len(errs) == 0 || !strings.Contains(errs[0].Message, "key exceeds") {
		t.Errorf("expected key size error, got %v", errs)
	}
}

func TestValidate_EntryTooLong(t *testing.T) {
	errs := Validate([]Entry{{Key: "/ok", Value: strings.Repeat("x", 1022)}})
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "key+value exceeds") {
		t.Errorf("expected entry size error, got %v", errs)
	}
}

func TestValidate_TotalTooLarge(t *testing.T) {
	val := strings.Repeat("x", 990)
	entries := make([]Entry, 0, 5300)
	for i := 0; i < 5300; i++ {
		entries = append(entries, Entry{Key: strings.Repeat("a", 10), Value: val})
	}
	errs := Validate(entries)
	if len(errs) != 1 || errs[0].Key != "(total)" {
		t.Errorf("expected only the total size error, got %d errors", len(errs))
	}
}

func TestValidate_ExactBoundaries(t *testing.T) {
	errs := Validate([]Entry{{Key: strings.Repeat("a", 512), Value: strings.Repeat("b", 512)}})
	if len(errs) > 0 {
		t.Errorf("expected a 512 byte key and 1024 byte entry to pass, got %v", errs)
	}
}

func TestMeasure(t *testing.T) {
	s := Measure([]Entry{{Key: "/C", Value: "/C/"}})
	if s.NumKeys != 1 || s.TotalBytes != 5 {
		t.Errorf("unexpected stats %+v", s)
	}
}
