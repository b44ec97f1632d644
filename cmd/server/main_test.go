package main

import (
	"testing"
	"time"
)

func TestResolveStorageDriver(t *testing.T) {
	cases := []struct {
		name     string
		flag     string
		env      string
		dsn      string
		expected string
	}{
		{"flag wins", "postgres", "json", "", "postgres"},
		{"env when flag empty", "", "postgres", "", "postgres"},
		{"dsn implies postgres", "", "", "postgres://localhost/keygate", "postgres"},
		{"default json", "", "", "", "json"},
		{"flag normalized", "  JSON  ", "", "", "json"},
	}
	for _, tc := range cases {
		if got := resolveStorageDriver(tc.flag, tc.env, tc.dsn); got != tc.expected {
			t.Fatalf("%s: resolveStorageDriver = %q, want %q", tc.name, got, tc.expected)
		}
	}
}

func TestResolveUpstreamOrigin(t *testing.T) {
	if u, err := resolveUpstreamOrigin("", ""); err != nil || u != nil {
		t.Fatalf("empty origin should resolve to nil, got %v, %v", u, err)
	}
	u, err := resolveUpstreamOrigin("http://127.0.0.1:3000", "")
	if err != nil || u == nil || u.Host != "127.0.0.1:3000" {
		t.Fatalf("unexpected origin %v, %v", u, err)
	}
	if _, err := resolveUpstreamOrigin("missing-scheme", ""); err == nil {
		t.Fatalf("expected error for origin without scheme")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("  ", "", "fallback", "later"); got != "fallback" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestResolveDuration(t *testing.T) {
	if got := resolveDuration(5*time.Second, "KEYGATE_TEST_UNSET", time.Minute); got != 5*time.Second {
		t.Fatalf("flag value should win, got %v", got)
	}
	t.Setenv("KEYGATE_TEST_DURATION", "30s")
	if got := resolveDuration(0, "KEYGATE_TEST_DURATION", time.Minute); got != 30*time.Second {
		t.Fatalf("env value should win over fallback, got %v", got)
	}
	if got := resolveDuration(0, "KEYGATE_TEST_UNSET", time.Minute); got != time.Minute {
		t.Fatalf("fallback expected, got %v", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, ,b ,c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitAndTrim = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitAndTrim = %v", got)
		}
	}
	if splitAndTrim("  ") != nil {
		t.Fatalf("blank input should return nil")
	}
}
