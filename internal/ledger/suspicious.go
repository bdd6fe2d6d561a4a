package ledger

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/custodia-cl/custodia/internal/models"
	"gopkg.in/yaml.v3"
)

// Suspicion reasons reported by SuspicionPolicy.Evaluate.
const (
	ReasonDeniedAction     = "denied_action"
	ReasonAfterHours       = "after_hours_destructive"
	ReasonLargeAffectCount = "large_affected_count"
)

// BusinessHours is the window in which destructive actions are expected.
type BusinessHours struct {
	TimeZone  string `yaml:"time_zone"`
	StartHour int    `yaml:"start_hour"`
	EndHour   int    `yaml:"end_hour"`
	// Weekdays limits business hours to Monday through Friday.
	Weekdays bool `yaml:"weekdays"`

	loc *time.Location
}

// SuspicionPolicy describes which audit records deserve a second look.
// Action patterns use path.Match syntax and are matched case-insensitively.
type SuspicionPolicy struct {
	DeniedActions          []string      `yaml:"denied_actions"`
	DestructiveActions     []string      `yaml:"destructive_actions"`
	BusinessHours          BusinessHours `yaml:"business_hours"`
	AffectedCountFields    []string      `yaml:"affected_count_fields"`
	AffectedCountThreshold float64       `yaml:"affected_count_threshold"`
}

// DefaultSuspicionPolicy returns the built-in policy.
func DefaultSuspicionPolicy() *SuspicionPolicy {
	p := &SuspicionPolicy{
		DeniedActions:      []string{"bulk_delete*", "purge*", "*.bulk_delete", "*.purge"},
		DestructiveActions: []string{"delete*", "*.delete", "revoke*", "*.revoke", "drop*"},
		BusinessHours: BusinessHours{
			TimeZone:  "UTC",
			StartHour: 7,
			EndHour:   20,
			Weekdays:  true,
		},
		AffectedCountFields:    []string{"affected_count", "affected", "count"},
		AffectedCountThreshold: 1000,
	}
	_ = p.compile()
	return p
}

// LoadSuspicionPolicy reads a YAML policy file. Fields absent from the file
// keep their default values.
func LoadSuspicionPolicy(filename string) (*SuspicionPolicy, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read suspicion policy: %w", err)
	}
	return ParseSuspicionPolicy(data)
}

// ParseSuspicionPolicy parses a YAML policy document over the defaults.
func ParseSuspicionPolicy(data []byte) (*SuspicionPolicy, error) {
	p := DefaultSuspicionPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse suspicion policy: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *SuspicionPolicy) compile() error {
	bh := &p.BusinessHours
	if bh.StartHour < 0 || bh.StartHour > 23 || bh.EndHour < 0 || bh.EndHour > 24 {
		return fmt.Errorf("business hours must be within 0-24, got %d-%d", bh.StartHour, bh.EndHour)
	}
	tz := bh.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("load business hours time zone: %w", err)
	}
	bh.loc = loc

	for _, pattern := range append(append([]string{}, p.DeniedActions...), p.DestructiveActions...) {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid action pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// Evaluate returns the reasons rec is suspicious, or nil.
func (p *SuspicionPolicy) Evaluate(rec *models.AuditRecord) []string {
	if p == nil || rec == nil {
		return nil
	}
	var reasons []string
	action := strings.ToLower(rec.Action)

	if matchAny(p.DeniedActions, action) {
		reasons = append(reasons, ReasonDeniedAction)
	}
	if matchAny(p.DestructiveActions, action) && !p.BusinessHours.contains(rec.Timestamp) {
		reasons = append(reasons, ReasonAfterHours)
	}
	if p.AffectedCountThreshold > 0 {
		for _, field := range p.AffectedCountFields {
			if n, ok := number(rec.Detail[field]); ok && n >= p.AffectedCountThreshold {
				reasons = append(reasons, ReasonLargeAffectCount)
				break
			}
		}
	}
	return reasons
}

func matchAny(patterns []string, action string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(strings.ToLower(pattern), action); ok {
			return true
		}
	}
	return false
}

func (bh BusinessHours) contains(t time.Time) bool {
	loc := bh.loc
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if bh.Weekdays && (local.Weekday() == time.Saturday || local.Weekday() == time.Sunday) {
		return false
	}
	h := local.Hour()
	if bh.StartHour <= bh.EndHour {
		return h >= bh.StartHour && h < bh.EndHour
	}
	// Window wraps midnight.
	return h >= bh.StartHour || h < bh.EndHour
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
