// Package ratelimit recognizes usage-limit failures in agent output and
// waits for the limit to reset before the next attempt.
package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Kind distinguishes a rolling session window from a weekly cap.
type Kind string

const (
	KindSession Kind = "session"
	KindWeekly  Kind = "weekly"
	KindUnknown Kind = "unknown"
)

// sessionWindow is the length of the provider's rolling usage window.
const sessionWindow = 5

// Info describes a detected usage limit.
type Info struct {
	DetectedAt time.Time
	ResetAt    time.Time
	Kind       Kind
	Message    string // Line that triggered detection
}

// Remaining returns how long until the limit resets, measured from now.
func (i *Info) Remaining(now time.Time) time.Duration {
	if i == nil || i.ResetAt.IsZero() || !i.ResetAt.After(now) {
		return 0
	}
	return i.ResetAt.Sub(now)
}

var (
	// Claude AI usage limit reached|1735689600
	unixResetPattern = regexp.MustCompile(`usage limit reached\|(\d+)`)

	// "limit will reset at 2pm (America/New_York)" and "resets 1am (Europe/Dublin)"
	clockResetPattern = regexp.MustCompile(`(?i)(?:reset at|resets)\s+(\d{1,2})(am|pm)\s*\(([^)]+)\)`)

	// "retry in 300 seconds", "retry after 45s"
	retryAfterPattern = regexp.MustCompile(`(?i)retry (?:in|after)\s+(\d+)\s*(?:seconds?|s)\b`)

	indicatorPattern = regexp.MustCompile(`(?i)(out of .*usage|rate.?limit|usage.?limit|\b429\b|too.?many.?requests)`)

	// Quoted or logged mentions of rate limits are not limit errors.
	quotedPattern = regexp.MustCompile("(?i)(\\[rate.?limit\\]|`rate.?limit|\"rate.?limit|'rate.?limit)")
)

// Detect scans the texts an attempt produced (stderr, result text) for a
// usage-limit error. It returns nil when none is found. When a limit is
// recognized but no reset time is given, the end of the current session
// window is assumed.
func Detect(now time.Time, texts ...string) *Info {
	for _, text := range texts {
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "{") && gjson.Valid(line) {
				if info := fromJSON(now, line); info != nil {
					return info
				}
				continue
			}
			if line == "" || !indicatorPattern.MatchString(line) || quotedPattern.MatchString(line) {
				continue
			}
			return fromText(now, line)
		}
	}
	return nil
}

func fromText(now time.Time, line string) *Info {
	var reset time.Time
	if m := unixResetPattern.FindStringSubmatch(line); m != nil {
		ts, _ := strconv.ParseInt(m[1], 10, 64)
		reset = time.Unix(ts, 0)
	} else if m := clockResetPattern.FindStringSubmatch(line); m != nil {
		reset = nextClockTime(now, m[1], m[2], m[3])
	} else if m := retryAfterPattern.FindStringSubmatch(line); m != nil {
		secs, _ := strconv.ParseInt(m[1], 10, 64)
		reset = now.Add(time.Duration(secs) * time.Second)
	} else {
		reset = InferReset(now)
	}
	return newInfo(now, reset, line)
}

// fromJSON reads API-style error objects such as
// {"error":"rate_limit_error","retry_after":30}.
func fromJSON(now time.Time, line string) *Info {
	doc := gjson.Parse(line)
	errText := doc.Get("error").String()
	if t := doc.Get("error.type"); t.Exists() {
		errText = t.String()
	}
	errText = strings.ToLower(errText)
	if !strings.Contains(errText, "rate_limit") && !strings.Contains(errText, "rate limit") && !strings.Contains(errText, "429") {
		return nil
	}
	reset := InferReset(now)
	if secs := doc.Get("retry_after").Int(); secs > 0 {
		reset = now.Add(time.Duration(secs) * time.Second)
	}
	return newInfo(now, reset, line)
}

func newInfo(now, reset time.Time, line string) *Info {
	return &Info{DetectedAt: now, ResetAt: reset, Kind: kindFor(reset.Sub(now)), Message: line}
}

// nextClockTime returns the next occurrence of a 12-hour clock time in the
// named zone. Unknown zones fall back to UTC.
func nextClockTime(now time.Time, hour, meridiem, zone string) time.Time {
	h, _ := strconv.Atoi(hour)
	switch strings.ToLower(meridiem) {
	case "pm":
		if h != 12 {
			h += 12
		}
	case "am":
		if h == 12 {
			h = 0
		}
	}

	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	reset := time.Date(local.Year(), local.Month(), local.Day(), h, 0, 0, 0, loc)
	if !reset.After(local) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

// InferReset returns the next session window boundary (00:00, 05:00, 10:00,
// 15:00, 20:00 local time) after now.
func InferReset(now time.Time) time.Time {
	next := (now.Hour()/sessionWindow + 1) * sessionWindow
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if next >= 24 {
		return day.AddDate(0, 0, 1)
	}
	return day.Add(time.Duration(next) * time.Hour)
}

func kindFor(wait time.Duration) Kind {
	switch {
	case wait <= 0:
		return KindUnknown
	case wait > 6*time.Hour:
		return KindWeekly
	default:
		return KindSession
	}
}
