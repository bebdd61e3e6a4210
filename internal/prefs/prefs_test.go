package prefs

import (
	"path/filepath"
	"reflect"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "prefs.db"), Defaults{
		MaxDataSize: 1 << 20,
		DPI:         map[string]int{TierSmall: 50, TierLarge: 100},
	})
	if err != nil {
		t.Fatalf("failed to open prefs: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMaxDataSize(t *testing.T) {
	s := openStore(t)
	n, err := s.MaxDataSize()
	if err != nil || n != 1<<20 {
		t.Fatalf("default = %d, %v", n, err)
	}
	if err := s.SetMaxDataSizeString("2 MiB"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.MaxDataSize(); n != 2<<20 {
		t.Errorf("got %d, want %d", n, 2<<20)
	}
	if err := s.SetMaxDataSizeString("big"); err == nil {
		t.Error("expected parse error")
	}
	if err := s.SetMaxDataSize(0); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.MaxDataSize(); n != 0 {
		t.Errorf("explicit zero should be kept, got %d", n)
	}
}

func TestDPI(t *testing.T) {
	s := openStore(t)
	tests := []struct {
		tier string
		want int
	}{
		{TierSmall, 50},
		{TierLarge, 100},
		{"poster", 50},
	}
	for _, tt := range tests {
		if got, err := s.DPI(tt.tier); err != nil || got != tt.want {
			t.Errorf("DPI(%s) = %d, %v; want %d", tt.tier, got, err, tt.want)
		}
	}
	if err := s.SetDPI("poster", 300); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.DPI("poster"); got != 300 {
		t.Errorf("poster = %d", got)
	}
	if err := s.SetDPI("x", 0); err == nil {
		t.Error("expected error for zero dpi")
	}
	tiers, _ := s.Tiers()
	if !reflect.DeepEqual(tiers, []string{"large", "poster", "small"}) {
		t.Errorf("tiers = %v", tiers)
	}
}

func TestPersistsAcrossOpen(t *testing.T) {
	p := filepath.Join(t.TempDir(), "prefs.db")
	s, err := Open(p, Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	s.SetMaxDataSize(12345)
	s.Close()

	s, err = Open(p, Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if n, _ := s.MaxDataSize(); n != 12345 {
		t.Errorf("got %d", n)
	}
}

func TestDescribeLimit(t *testing.T) {
	if got := DescribeLimit(64 << 20); got != "64 MiB" {
		t.Errorf("got %q", got)
	}
	if got := DescribeLimit(0); got != "unlimited" {
		t.Errorf("got %q", got)
	}
}
