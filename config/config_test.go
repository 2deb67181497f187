package config

import (
	"strings"
	"testing"
)

func TestDecodeAnalyzeOptions_Defaults(t *testing.T) {
	opts, err := DecodeAnalyzeOptions(strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := DefaultAnalyzeOptions()
	if opts != want {
		t.Errorf("expected defaults %+v, got %+v", want, opts)
	}
}

func TestDecodeAnalyzeOptions_PartialOverride(t *testing.T) {
	opts, err := DecodeAnalyzeOptions(strings.NewReader(`{"include_sector":false,"timeout_ms":5000}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.IncludeSector {
		t.Error("expected include_sector to be overridden to false")
	}
	if opts.TimeoutMS != 5000 {
		t.Errorf("expected timeout_ms=5000, got %d", opts.TimeoutMS)
	}
	if !opts.IncludeMTF || !opts.IncludeML {
		t.Error("expected untouched fields to keep their defaults")
	}
}

func TestDecodeAnalyzeOptions_RejectsUnknownField(t *testing.T) {
	_, err := DecodeAnalyzeOptions(strings.NewReader(`{"include_mtf":true,"bogus_field":1}`))
	if err == nil {
		t.Fatal("expected an error for an unrecognized option, got nil")
	}
}

func TestSplitCSV_TrimsAndDropsEmpty(t *testing.T) {
	got := splitCSV(" a, b ,, c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("at %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
