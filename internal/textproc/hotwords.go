package textproc

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// HotwordRules maps a canonical term to its known mis-recognition
// variants, e.g. "直播间" -> ["知播间", "值播间"].
type HotwordRules map[string][]string

type substitution struct {
	re        *regexp.Regexp
	canonical string
	variant   string
}

// Corrector substitutes known variant spellings back to their canonical
// form. Rules are hot-reloadable: Replace takes effect for the next Apply
// without restarting the session. Reads are lock-free snapshots.
type Corrector struct {
	mu    sync.RWMutex
	rules HotwordRules
	subs  []substitution
	path  string
}

// NewCorrector creates a corrector with the given rules. path, when
// non-empty, names the YAML side file used by Load/Save/Reset.
func NewCorrector(rules HotwordRules, path string) *Corrector {
	c := &Corrector{path: path}
	c.Replace(rules)
	return c
}

// Replace swaps in a new rule table. Variants are compiled longest-first
// so a shorter variant can never shadow a longer overlapping one, and a
// variant that appears inside its own (or any) canonical term is skipped
// to keep correction idempotent.
func (c *Corrector) Replace(rules HotwordRules) {
	subs := make([]substitution, 0)
	for canonical, variants := range rules {
		for _, v := range variants {
			if v == "" || v == canonical {
				continue
			}
			if containsInCanonical(rules, v) {
				continue
			}
			subs = append(subs, substitution{
				re:        regexp.MustCompile(regexp.QuoteMeta(v)),
				canonical: canonical,
				variant:   v,
			})
		}
	}
	sort.SliceStable(subs, func(i, j int) bool {
		return len([]rune(subs[i].variant)) > len([]rune(subs[j].variant))
	})

	cloned := make(HotwordRules, len(rules))
	for k, v := range rules {
		cloned[k] = append([]string(nil), v...)
	}

	c.mu.Lock()
	c.rules = cloned
	c.subs = subs
	c.mu.Unlock()
}

func containsInCanonical(rules HotwordRules, variant string) bool {
	for canonical := range rules {
		if strings.Contains(canonical, variant) {
			return true
		}
	}
	return false
}

// Apply substitutes every known variant with its canonical form.
func (c *Corrector) Apply(text string) string {
	if text == "" {
		return text
	}

	c.mu.RLock()
	subs := c.subs
	c.mu.RUnlock()

	for _, s := range subs {
		text = s.re.ReplaceAllString(text, s.canonical)
	}
	return text
}

// Rules returns a copy of the current rule table.
func (c *Corrector) Rules() HotwordRules {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(HotwordRules, len(c.rules))
	for k, v := range c.rules {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Load reads the rule table from the side file. A missing file leaves the
// current rules untouched.
func (c *Corrector) Load() error {
	if c.path == "" {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read hotword rules: %w", err)
	}

	var rules HotwordRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("failed to parse hotword rules: %w", err)
	}

	c.Replace(rules)
	return nil
}

// Save persists the current rule table to the side file.
func (c *Corrector) Save() error {
	if c.path == "" {
		return nil
	}

	data, err := yaml.Marshal(c.Rules())
	if err != nil {
		return fmt.Errorf("failed to marshal hotword rules: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write hotword rules: %w", err)
	}
	return nil
}

// Reset clears all rules and removes the side file.
func (c *Corrector) Reset() error {
	c.Replace(HotwordRules{})
	if c.path == "" {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove hotword rules file: %w", err)
	}
	return nil
}
