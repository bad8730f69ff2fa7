package textproc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCorrector_BasicSubstitution(t *testing.T) {
	c := NewCorrector(HotwordRules{
		"直播间": {"知播间", "值播间"},
	}, "")

	if got := c.Apply("欢迎来到知播间"); got != "欢迎来到直播间" {
		t.Errorf("Apply() = %q", got)
	}
	if got := c.Apply("欢迎来到值播间"); got != "欢迎来到直播间" {
		t.Errorf("Apply() = %q", got)
	}
}

func TestCorrector_Idempotent(t *testing.T) {
	c := NewCorrector(HotwordRules{
		"原神":  {"元神", "源神"},
		"直播间": {"知播间"},
	}, "")

	in := "今天元神知播间开播"
	once := c.Apply(in)
	twice := c.Apply(once)
	if once != twice {
		t.Errorf("Correction not idempotent: %q -> %q", once, twice)
	}
}

func TestCorrector_LongestVariantWins(t *testing.T) {
	c := NewCorrector(HotwordRules{
		"小火箭": {"小货箭"},
		"火箭":  {"货箭"},
	}, "")

	// The longer variant must be replaced as a whole; the shorter one must
	// not shadow it.
	if got := c.Apply("送出小货箭"); got != "送出小火箭" {
		t.Errorf("Apply() = %q, want 送出小火箭", got)
	}
	if got := c.Apply("送出货箭"); got != "送出火箭" {
		t.Errorf("Apply() = %q, want 送出火箭", got)
	}
}

func TestCorrector_VariantInsideCanonicalSkipped(t *testing.T) {
	// A variant contained in a canonical term would make correction
	// oscillate; it is skipped at compile time.
	c := NewCorrector(HotwordRules{
		"哔哩哔哩": {"哔哩"},
	}, "")

	if got := c.Apply("哔哩哔哩"); got != "哔哩哔哩" {
		t.Errorf("Apply() mangled canonical text: %q", got)
	}
}

func TestCorrector_HotReload(t *testing.T) {
	c := NewCorrector(HotwordRules{}, "")

	if got := c.Apply("欢迎来到知播间"); got != "欢迎来到知播间" {
		t.Errorf("No rules should mean no change, got %q", got)
	}

	c.Replace(HotwordRules{"直播间": {"知播间"}})
	if got := c.Apply("欢迎来到知播间"); got != "欢迎来到直播间" {
		t.Errorf("Expected replacement after Replace(), got %q", got)
	}
}

func TestCorrector_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotwords.yaml")

	c1 := NewCorrector(HotwordRules{"直播间": {"知播间", "值播间"}}, path)
	if err := c1.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	c2 := NewCorrector(HotwordRules{}, path)
	if err := c2.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	rules := c2.Rules()
	if len(rules["直播间"]) != 2 {
		t.Errorf("Expected round-tripped rules, got %v", rules)
	}
	if got := c2.Apply("知播间"); got != "直播间" {
		t.Errorf("Loaded rules not applied: %q", got)
	}
}

func TestCorrector_LoadMissingFileIsNoop(t *testing.T) {
	c := NewCorrector(HotwordRules{"a": {"b"}}, filepath.Join(t.TempDir(), "absent.yaml"))
	if err := c.Load(); err != nil {
		t.Errorf("Load() of missing file should be a no-op, got %v", err)
	}
	if got := c.Apply("b"); got != "a" {
		t.Errorf("Existing rules must survive a missing-file Load, got %q", got)
	}
}

func TestCorrector_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotwords.yaml")
	c := NewCorrector(HotwordRules{"直播间": {"知播间"}}, path)
	if err := c.Save(); err != nil {
		t.Fatal(err)
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if got := c.Apply("知播间"); got != "知播间" {
		t.Errorf("Expected no substitutions after Reset, got %q", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected side file removed by Reset")
	}
}
