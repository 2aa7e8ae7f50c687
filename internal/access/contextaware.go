package access

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/witlox/crisp/pkg/models"
	"github.com/witlox/crisp/pkg/ratelimit"
)

// BusinessHours restricts access to a daily window on selected weekdays.
type BusinessHours struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// StartHour and EndHour bound the window as [start, end) in 24h time.
	StartHour int      `mapstructure:"start_hour" json:"start_hour"`
	EndHour   int      `mapstructure:"end_hour" json:"end_hour"`
	Weekdays  []string `mapstructure:"weekdays" json:"weekdays,omitempty"`
	Timezone  string   `mapstructure:"timezone" json:"timezone,omitempty"`
}

// ContextAwareConfig configures ContextAwareAccessControl.
type ContextAwareConfig struct {
	BusinessHours BusinessHours `mapstructure:"business_hours" json:"business_hours"`
	// BlockedIPs holds addresses and CIDR prefixes.
	BlockedIPs []string `mapstructure:"blocked_ips" json:"blocked_ips,omitempty"`
	// RateLimit is the number of requests per organization per RateWindow.
	RateLimit  int           `mapstructure:"rate_limit" json:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window" json:"rate_window"`
	// FailedAttemptThreshold denies organizations with this many recent
	// failed or denied operations. Zero disables the check.
	FailedAttemptThreshold int `mapstructure:"failed_attempt_threshold" json:"failed_attempt_threshold"`
}

// FailureCounter reports recent failed operations per organization.
type FailureCounter interface {
	RecentFailures(org string) int
}

// ContextAwareAccessControl checks business hours, the IP blocklist, the
// request rate and recent failures, denying on the first violation.
type ContextAwareAccessControl struct {
	hours     *businessWindow
	blocked   []netip.Prefix
	rateLimit int
	window    time.Duration
	threshold int
	limiter   ratelimit.Limiter
	failures  FailureCounter
}

type businessWindow struct {
	start, end int
	days       map[time.Weekday]bool
	loc        *time.Location
}

// NewContextAwareAccessControl validates cfg. limiter and failures may be
// nil, which disables the corresponding check.
func NewContextAwareAccessControl(cfg ContextAwareConfig, limiter ratelimit.Limiter, failures FailureCounter) (*ContextAwareAccessControl, error) {
	s := &ContextAwareAccessControl{
		rateLimit: cfg.RateLimit,
		window:    cfg.RateWindow,
		threshold: cfg.FailedAttemptThreshold,
		limiter:   limiter,
		failures:  failures,
	}
	if s.window <= 0 {
		s.window = time.Minute
	}

	if cfg.BusinessHours.Enabled {
		w, err := newBusinessWindow(cfg.BusinessHours)
		if err != nil {
			return nil, err
		}
		s.hours = w
	}

	for _, raw := range cfg.BlockedIPs {
		prefix, err := parseBlocked(raw)
		if err != nil {
			return nil, err
		}
		s.blocked = append(s.blocked, prefix)
	}
	return s, nil
}

func newBusinessWindow(cfg BusinessHours) (*businessWindow, error) {
	if cfg.StartHour < 0 || cfg.EndHour > 24 || cfg.StartHour >= cfg.EndHour {
		return nil, fmt.Errorf("invalid business hours %d-%d", cfg.StartHour, cfg.EndHour)
	}
	w := &businessWindow{start: cfg.StartHour, end: cfg.EndHour, days: make(map[time.Weekday]bool), loc: time.UTC}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid business hours timezone: %w", err)
		}
		w.loc = loc
	}
	days := cfg.Weekdays
	if len(days) == 0 {
		days = []string{"monday", "tuesday", "wednesday", "thursday", "friday"}
	}
	for _, d := range days {
		day, ok := parseWeekday(d)
		if !ok {
			return nil, fmt.Errorf("invalid business day %q", d)
		}
		w.days[day] = true
	}
	return w, nil
}

func parseWeekday(s string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if strings.EqualFold(s, name) || strings.EqualFold(s, name[:3]) {
			return d, true
		}
	}
	return 0, false
}

func parseBlocked(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid blocked network %q: %w", raw, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid blocked address %q: %w", raw, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (*ContextAwareAccessControl) Name() string { return "context_aware" }

func (s *ContextAwareAccessControl) Evaluate(ctx context.Context, ac *Context) (Decision, error) {
	if s.hours != nil {
		now := ac.now().In(s.hours.loc)
		if !s.hours.days[now.Weekday()] || now.Hour() < s.hours.start || now.Hour() >= s.hours.end {
			return deny(fmt.Sprintf("outside business hours (%02d:00-%02d:00)", s.hours.start, s.hours.end)), nil
		}
	}

	if ac.IPAddress != "" && len(s.blocked) > 0 {
		addr, err := netip.ParseAddr(ac.IPAddress)
		if err != nil {
			return deny("unparseable client address"), nil
		}
		addr = addr.Unmap()
		for _, p := range s.blocked {
			if p.Contains(addr) {
				return deny(fmt.Sprintf("address %s is blocked", ac.IPAddress)), nil
			}
		}
	}

	if s.limiter != nil && s.rateLimit > 0 {
		res, err := s.limiter.Allow(ctx, "access:"+ac.RequestingOrg, s.rateLimit, s.window)
		if err != nil {
			return Decision{}, fmt.Errorf("rate limit check: %w", err)
		}
		if !res.Allowed {
			return deny(fmt.Sprintf("rate limit of %d requests per %s exceeded", s.rateLimit, s.window)), nil
		}
	}

	if s.failures != nil && s.threshold > 0 {
		if n := s.failures.RecentFailures(ac.RequestingOrg); n >= s.threshold {
			return deny(fmt.Sprintf("suspicious activity: %d recent failed attempts", n)), nil
		}
	}

	d := allow("request context accepted")
	d.AccessLevel = s.AccessLevel(ac)
	return d, nil
}

// AccessLevel does not consume rate budget; it reports what an accepted
// request would be granted.
func (s *ContextAwareAccessControl) AccessLevel(ac *Context) models.AccessLevel {
	if level := relationshipAccessLevel(ac); level != models.AccessNone {
		return level
	}
	return models.AccessRead
}
