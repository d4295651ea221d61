package bluetooth

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chris-hammond-ross/pi-podcast/internal/model"
)

// Classification is the outcome of running an announced name through the
// filter rules. Rule carries the name of the rule that rejected the
// announcement, which keeps rule tuning observable in the logs.
type Classification struct {
	Accepted  bool
	Rule      string
	Name      string
	RSSI      int
	RSSIKnown bool
}

// Filter decides whether an announced name describes a usable audio device.
// Rules run in order and the first match wins; the list is expected to grow
// because the tool's text output is unversioned.
type Filter struct {
	rules          []namedRule
	vendorPatterns []*regexp.Regexp
}

type namedRule struct {
	name    string
	rejects func(f *Filter, name string) bool
}

var (
	lePrefixPattern   = regexp.MustCompile(`^LE_|\bLE\b|\bBLE\b`)
	beaconMeshPattern = regexp.MustCompile(`(?i)\b(beacon|mesh)\b`)
	advFieldPattern   = regexp.MustCompile(`^(ManufacturerData\.Key:|ManufacturerData\.Value:|TxPower:)`)
	hexTokenPattern   = regexp.MustCompile(`0x[0-9A-Fa-f]+`)
	signedIntPattern  = regexp.MustCompile(`-?\d+`)

	// A "name" that is itself a MAC look-alike: six hex byte pairs joined
	// uniformly by one of -, :, or _.
	macLookalikePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^[0-9A-Fa-f]{2}(?:-[0-9A-Fa-f]{2}){5}$`),
		regexp.MustCompile(`^[0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5}$`),
		regexp.MustCompile(`^[0-9A-Fa-f]{2}(?:_[0-9A-Fa-f]{2}){5}$`),
	}
)

//go:embed vendor_patterns.yaml
var embeddedVendorPatterns []byte

type vendorPatternFile struct {
	Patterns []string `yaml:"patterns"`
}

// NewFilter builds the filter with the embedded low-energy vendor pattern
// list plus any extra patterns supplied by the caller.
func NewFilter(extraPatterns []string) (*Filter, error) {
	var file vendorPatternFile
	if err := yaml.Unmarshal(embeddedVendorPatterns, &file); err != nil {
		return nil, fmt.Errorf("embedded vendor patterns: %w", err)
	}
	return newFilter(append(file.Patterns, extraPatterns...))
}

// NewFilterFromFile is like NewFilter but extends the embedded pattern list
// from a YAML file, so deployments can reject new vendor gadgets without a
// rebuild.
func NewFilterFromFile(path string) (*Filter, error) {
	if strings.TrimSpace(path) == "" {
		return NewFilter(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vendor patterns file: %w", err)
	}
	var file vendorPatternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("vendor patterns file %s: %w", path, err)
	}
	return NewFilter(file.Patterns)
}

func newFilter(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		compiled, err := regexp.Compile(`(?i)` + raw)
		if err != nil {
			return nil, fmt.Errorf("vendor pattern %q: %w", raw, err)
		}
		f.vendorPatterns = append(f.vendorPatterns, compiled)
	}
	f.rules = []namedRule{
		{"blank", func(_ *Filter, name string) bool { return name == "" }},
		{"rssi-fragment", func(_ *Filter, name string) bool { return strings.HasPrefix(name, "RSSI:") }},
		{"le-marker", func(_ *Filter, name string) bool { return lePrefixPattern.MatchString(name) }},
		{"beacon-mesh", func(_ *Filter, name string) bool { return beaconMeshPattern.MatchString(name) }},
		{"le-vendor", (*Filter).matchesVendorPattern},
		{"mac-lookalike", func(_ *Filter, name string) bool { return isMACLookalike(name) }},
		{"adv-field", func(_ *Filter, name string) bool { return advFieldPattern.MatchString(name) }},
	}
	return f, nil
}

// Classify runs the rejection rules in order against a raw announced name.
// A rejected RSSI fragment still yields the embedded signal reading so the
// registry can refresh an already-known device.
func (f *Filter) Classify(rawName string) Classification {
	name := strings.TrimSpace(rawName)
	for _, rule := range f.rules {
		if !rule.rejects(f, name) {
			continue
		}
		c := Classification{Rule: rule.name, Name: name}
		if rule.name == "rssi-fragment" {
			if rssi, ok := extractRSSI(name); ok {
				c.RSSI = rssi
				c.RSSIKnown = true
			}
		}
		return c
	}
	return Classification{Accepted: true, Name: name, RSSI: model.DefaultRSSI}
}

func (f *Filter) matchesVendorPattern(name string) bool {
	for _, pattern := range f.vendorPatterns {
		if pattern.MatchString(name) {
			return true
		}
	}
	return false
}

func isMACLookalike(name string) bool {
	for _, pattern := range macLookalikePatterns {
		if pattern.MatchString(name) {
			return true
		}
	}
	return false
}

// extractRSSI pulls the signed decimal reading out of an `RSSI:` fragment.
// bluetoothctl may print the value as hex with the decimal in parentheses,
// e.g. `RSSI: 0xffffffa4 (-92)`, so hex tokens are dropped first.
func extractRSSI(name string) (int, bool) {
	rest := strings.TrimPrefix(name, "RSSI:")
	rest = hexTokenPattern.ReplaceAllString(rest, "")
	match := signedIntPattern.FindString(rest)
	if match == "" {
		return 0, false
	}
	value, err := strconv.Atoi(match)
	if err != nil {
		return 0, false
	}
	return value, true
}
