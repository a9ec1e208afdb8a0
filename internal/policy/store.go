package policy

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/pkg/logger"
)

// Store loads the retry rule document and hands out immutable snapshots.
// Reload swaps the snapshot atomically; a document that fails validation
// leaves the previous snapshot in place.
type Store struct {
	path string
	log  *logger.Logger

	v       *viper.Viper
	mu      sync.Mutex
	current atomic.Pointer[domain.RuleSet]
	watched bool
}

// NewStore creates a store for the rule document at path. Call Load before
// the first Snapshot.
func NewStore(path string, log *logger.Logger) *Store {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	return &Store{path: path, log: log, v: v}
}

// Load reads, validates and activates the rule document.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.v.ReadInConfig(); err != nil {
		return fmt.Errorf("policy: read rules %s: %w", s.path, err)
	}

	var doc ruleDocument
	if err := s.v.Unmarshal(&doc); err != nil {
		return fmt.Errorf("policy: unmarshal rules: %w", err)
	}

	rs, err := compile(doc)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	s.current.Store(rs)
	s.log.Info("retry policy loaded",
		zap.String("path", s.path),
		zap.Int("global_rules", len(rs.Global)),
		zap.Int("campaign_rule_sets", len(rs.Campaign)),
	)
	return nil
}

// Watch reloads the document whenever the file changes on disk. Reload
// failures are logged and the active snapshot stays untouched.
func (s *Store) Watch() {
	s.mu.Lock()
	if s.watched {
		s.mu.Unlock()
		return
	}
	s.watched = true
	s.mu.Unlock()

	s.v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.Load(); err != nil {
			s.log.Warn("retry policy reload rejected", zap.String("event", e.Name), zap.Error(err))
		}
	})
	s.v.WatchConfig()
}

// Snapshot returns the active rule set. Before a successful Load it returns
// the built-in defaults.
func (s *Store) Snapshot() *domain.RuleSet {
	if rs := s.current.Load(); rs != nil {
		return rs
	}
	return DefaultRuleSet()
}

// DefaultRuleSet is the policy used when no document has been loaded: no
// windows, three attempts, sixty minute interval.
func DefaultRuleSet() *domain.RuleSet {
	return &domain.RuleSet{
		Location:           time.UTC,
		DefaultMaxAttempts: 3,
		DefaultInterval:    60 * time.Minute,
	}
}

type ruleDocument struct {
	Timezone      string          `mapstructure:"timezone"`
	Defaults      ruleDefaults    `mapstructure:"defaults"`
	GlobalRules   []ruleEntry     `mapstructure:"global_rules"`
	CampaignRules []campaignRules `mapstructure:"campaign_rules"`
}

type ruleDefaults struct {
	MaxAttempts          int `mapstructure:"max_attempts"`
	RetryIntervalMinutes int `mapstructure:"retry_interval_minutes"`
}

type ruleEntry struct {
	Name      string      `mapstructure:"name"`
	Days      []string    `mapstructure:"days"`
	TimeSlots []slotEntry `mapstructure:"time_slots"`
}

type slotEntry struct {
	Start                string `mapstructure:"start"`
	End                  string `mapstructure:"end"`
	MaxAttempts          int    `mapstructure:"max_attempts"`
	RetryIntervalMinutes int    `mapstructure:"retry_interval_minutes"`
}

type campaignRules struct {
	CampaignID string      `mapstructure:"campaign_id"`
	Rules      []ruleEntry `mapstructure:"rules"`
}

func compile(doc ruleDocument) (*domain.RuleSet, error) {
	loc := time.UTC
	if doc.Timezone != "" {
		parsed, err := time.LoadLocation(doc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", doc.Timezone, err)
		}
		loc = parsed
	}

	defaults := doc.Defaults
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 3
	}
	if defaults.RetryIntervalMinutes <= 0 {
		defaults.RetryIntervalMinutes = 60
	}

	rs := &domain.RuleSet{
		Location:           loc,
		DefaultMaxAttempts: defaults.MaxAttempts,
		DefaultInterval:    time.Duration(defaults.RetryIntervalMinutes) * time.Minute,
		Campaign:           make(map[uuid.UUID][]domain.RetryRule),
	}

	var err error
	rs.Global, err = compileRules(doc.GlobalRules, defaults)
	if err != nil {
		return nil, fmt.Errorf("global rules: %w", err)
	}

	for _, cr := range doc.CampaignRules {
		campaignID, perr := uuid.Parse(cr.CampaignID)
		if perr != nil {
			return nil, fmt.Errorf("campaign rules: campaign_id %q: %w", cr.CampaignID, perr)
		}
		rules, cerr := compileRules(cr.Rules, defaults)
		if cerr != nil {
			return nil, fmt.Errorf("campaign %s rules: %w", campaignID, cerr)
		}
		rs.Campaign[campaignID] = rules
	}

	return rs, nil
}

func compileRules(entries []ruleEntry, defaults ruleDefaults) ([]domain.RetryRule, error) {
	var rules []domain.RetryRule
	for _, entry := range entries {
		days, err := parseDays(entry.Days)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", entry.Name, err)
		}
		for i, slot := range entry.TimeSlots {
			start, err := parseClock(slot.Start)
			if err != nil {
				return nil, fmt.Errorf("rule %q slot %d: start: %w", entry.Name, i, err)
			}
			end, err := parseClock(slot.End)
			if err != nil {
				return nil, fmt.Errorf("rule %q slot %d: end: %w", entry.Name, i, err)
			}
			if start >= end {
				return nil, fmt.Errorf("rule %q slot %d: start %s not before end %s", entry.Name, i, slot.Start, slot.End)
			}

			name := entry.Name
			if i > 0 {
				name = fmt.Sprintf("%s#%d", entry.Name, i)
			}
			maxAttempts := slot.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = defaults.MaxAttempts
			}
			interval := slot.RetryIntervalMinutes
			if interval <= 0 {
				interval = defaults.RetryIntervalMinutes
			}

			rules = append(rules, domain.RetryRule{
				Name:            name,
				Days:            days,
				StartMinute:     start,
				EndMinute:       end,
				MaxAttempts:     maxAttempts,
				IntervalMinutes: interval,
			})
		}
	}
	return rules, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseDays(names []string) ([]time.Weekday, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no days listed")
	}
	days := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", name)
		}
		days = append(days, day)
	}
	return days, nil
}

// parseClock converts "HH:MM" into minutes from midnight.
func parseClock(raw string) (int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed clock %q", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("malformed hour %q", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("malformed minute %q", raw)
	}
	return hour*60 + minute, nil
}
