// Package parser turns a raw auth-log line into a structured AuthEvent
// or drops it. Classification is first-match: the rules below are
// tried in order and the first to match wins, an ordered,
// short-circuiting match loop.
package parser

import (
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sshguardian/core/internal/store"
)

// syslogPrefix matches the leading "Mon DD HH:MM:SS" timestamp emitted
// by rsyslog/sshd before the hostname and process tag. The year is not
// present in the classic syslog format, so it is taken from the ingest
// time unless that would place the timestamp more than 24 hours after
// the ingest time, in which case the previous year is used (handles
// Dec 31 lines ingested just after midnight on Jan 1).
var syslogPrefix = regexp.MustCompile(`^([A-Z][a-z]{2}\s+\d{1,2}\s\d{2}:\d{2}:\d{2})\s`)

var (
	reFailedPassword    = regexp.MustCompile(`(?i)(Failed password|authentication failure)`)
	reInvalidUser       = regexp.MustCompile(`(?i)Invalid user`)
	reAcceptedPassword  = regexp.MustCompile(`(?i)Accepted password`)
	reAcceptedPublickey = regexp.MustCompile(`(?i)Accepted publickey`)

	reSourceIP  = regexp.MustCompile(`(?:from|rhost=)\s*(\d{1,3}(?:\.\d{1,3}){3}|[0-9a-fA-F:]+)`)
	rePort      = regexp.MustCompile(`port (\d+)`)
	reUser      = regexp.MustCompile(`(?:for(?: invalid user)? |user )(\S+)`)
)

// Classify turns one raw log line into an AuthEvent, or returns
// (nil, false) if the line matches none of the recognized patterns —
// callers must not persist anything in that case. No "invalid" events
// are ever produced or stored.
//
// agentID is the agent the line was tailed from; ingestedAt is used as
// the event timestamp when the syslog prefix cannot be parsed.
func Classify(line, agentID string, ingestedAt time.Time) (*store.AuthEvent, bool) {
	eventType, authMethod, failureReason, matched := classifyLine(line)
	if !matched {
		return nil, false
	}

	e := &store.AuthEvent{
		EventUUID:      uuid.NewString(),
		Timestamp:      extractTimestamp(line, ingestedAt),
		SourceType:     store.AuthEventSourceAgent,
		AgentID:        agentID,
		EventType:      eventType,
		AuthMethod:     authMethod,
		FailureReason:  failureReason,
		RawLine:        line,
		IngestedAt:     ingestedAt,
	}

	if m := reSourceIP.FindStringSubmatch(line); m != nil {
		e.SourceIP = m[1]
	} else {
		return nil, false // no source IP: nothing to correlate or score against
	}

	if m := reUser.FindStringSubmatch(line); m != nil {
		e.TargetUsername = m[1]
	}
	if m := rePort.FindStringSubmatch(line); m != nil {
		if port, err := strconv.Atoi(m[1]); err == nil {
			e.TargetPort = port
		}
	}

	return e, true
}

// classifyLine applies the ordered classification rules and returns
// the fields they specify, or matched=false if none apply.
func classifyLine(line string) (eventType store.AuthEventType, authMethod, failureReason string, matched bool) {
	switch {
	case reFailedPassword.MatchString(line):
		return store.AuthEventFailed, "password", "", true
	case reInvalidUser.MatchString(line):
		return store.AuthEventFailed, "", "invalid_user", true
	case reAcceptedPassword.MatchString(line):
		return store.AuthEventSuccessful, "password", "", true
	case reAcceptedPublickey.MatchString(line):
		return store.AuthEventSuccessful, "publickey", "", true
	default:
		return "", "", "", false
	}
}

// extractTimestamp parses the classic syslog "Mon DD HH:MM:SS" prefix
// against fallback's year, falling back to fallback itself if the
// prefix is absent or unparseable.
func extractTimestamp(line string, fallback time.Time) time.Time {
	m := syslogPrefix.FindStringSubmatch(line)
	if m == nil {
		return fallback
	}
	year := fallback.Year()
	candidate, err := time.ParseInLocation("Jan 2 15:04:05 2006", m[1]+" "+strconv.Itoa(year), fallback.Location())
	if err != nil {
		return fallback
	}
	if candidate.After(fallback.Add(24 * time.Hour)) {
		candidate, err = time.ParseInLocation("Jan 2 15:04:05 2006", m[1]+" "+strconv.Itoa(year-1), fallback.Location())
		if err != nil {
			return fallback
		}
	}
	return candidate
}
