package utils_test

import (
	"testing"

	"github.com/percy-io/percy-core/internal/utils"
)

// ─── NormalizeHostname ──────────────────────────────────────────────────

func TestNormalizeHostname_Lowercases(t *testing.T) {
	t.Parallel()
	if got := utils.NormalizeHostname("Example.COM"); got != "example.com" {
		t.Errorf("expected lowercased hostname, got %q", got)
	}
}

func TestNormalizeHostname_StripsTrailingDot(t *testing.T) {
	t.Parallel()
	if got := utils.NormalizeHostname("example.com."); got != "example.com" {
		t.Errorf("expected trailing dot stripped, got %q", got)
	}
}

func TestNormalizeHostname_FoldsUnicodeToPunycode(t *testing.T) {
	t.Parallel()
	got := utils.NormalizeHostname("münchen.de")
	if got != "xn--mnchen-3ya.de" {
		t.Errorf("expected punycode-folded hostname, got %q", got)
	}
}
