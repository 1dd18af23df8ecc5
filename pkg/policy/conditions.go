package policy

import (
	"fmt"
	"net"
	"strings"
	"time"
)

const clockLayout = "15:04"

func (c *Conditions) hold(ctx Context) bool {
	if c == nil {
		return true
	}
	now := ctx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if c.Time != nil && c.Time.Start != "" && c.Time.End != "" {
		if !c.Time.contains(now) {
			return false
		}
	}
	if len(c.Days) > 0 && !dayAllowed(c.Days, now.Weekday()) {
		return false
	}
	if len(c.IPAllowlist) > 0 && !ipAllowed(c.IPAllowlist, ctx.IP) {
		return false
	}
	if len(c.UserAgents) > 0 && !userAgentAllowed(c.UserAgents, ctx.UserAgent) {
		return false
	}
	return true
}

func (c *Conditions) validate() error {
	if c == nil {
		return nil
	}
	if c.Time != nil {
		for _, v := range []string{c.Time.Start, c.Time.End} {
			if v == "" {
				continue
			}
			if _, err := time.Parse(clockLayout, v); err != nil {
				return fmt.Errorf("time %q: want HH:MM", v)
			}
		}
	}
	for _, d := range c.Days {
		if _, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]; !ok {
			return fmt.Errorf("unknown day %q", d)
		}
	}
	for _, entry := range c.IPAllowlist {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("ip_allowlist %q: %v", entry, err)
			}
		} else if net.ParseIP(strings.TrimSpace(entry)) == nil {
			return fmt.Errorf("ip_allowlist %q: not an IP", entry)
		}
	}
	return nil
}

// contains is inclusive at both ends. A window whose end is before its start
// wraps midnight.
func (w *TimeWindow) contains(now time.Time) bool {
	start, err := time.Parse(clockLayout, w.Start)
	if err != nil {
		return false
	}
	end, err := time.Parse(clockLayout, w.End)
	if err != nil {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	lo := start.Hour()*60 + start.Minute()
	hi := end.Hour()*60 + end.Minute()
	if lo <= hi {
		return minute >= lo && minute <= hi
	}
	return minute >= lo || minute <= hi
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func dayAllowed(days []string, today time.Weekday) bool {
	for _, d := range days {
		if wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]; ok && wd == today {
			return true
		}
	}
	return false
}

func ipAllowed(allow []string, raw string) bool {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return false
	}
	for _, entry := range allow {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil && network.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

func userAgentAllowed(allow []string, ua string) bool {
	for _, entry := range allow {
		if entry == "*" || entry == ua {
			return true
		}
	}
	return false
}
