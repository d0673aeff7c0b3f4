package testserver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// lineEvent is what a server output line tells the supervisor.
type lineEvent int

const (
	eventNone lineEvent = iota
	eventStarted
	eventPID
	eventHTTPPort
	eventTransportPort
)

func (e lineEvent) String() string {
	switch e {
	case eventStarted:
		return "started"
	case eventPID:
		return "pid"
	case eventHTTPPort:
		return "http port"
	case eventTransportPort:
		return "transport port"
	default:
		return "none"
	}
}

var (
	pidPattern            = regexp.MustCompile(`pid\[(\d+)]`)
	publishAddressPattern = regexp.MustCompile(`publish_address \{.*?:(\d+).?}`)
)

// lineRule maps lines accepted by match to an event. When extract is set the
// first capture group must be an integer, otherwise the server broke the log
// contract.
type lineRule struct {
	event   lineEvent
	match   func(line string) bool
	extract *regexp.Regexp
}

// lineClassifier applies rules in order; the first matching rule wins.
type lineClassifier struct {
	rules []lineRule
}

func containsAll(subs ...string) func(string) bool {
	return func(line string) bool {
		for _, s := range subs {
			if !strings.Contains(line, s) {
				return false
			}
		}
		return true
	}
}

func publishAddressOf(markers ...string) func(string) bool {
	return func(line string) bool {
		if !strings.Contains(line, "publish_address") {
			return false
		}
		for _, m := range markers {
			if strings.Contains(line, m) {
				return true
			}
		}
		return false
	}
}

// elasticsearchClassifier understands the plain-text console log of
// Elasticsearch 5.x through 8.x.
var elasticsearchClassifier = lineClassifier{rules: []lineRule{
	{event: eventStarted, match: containsAll("] started")},
	{event: eventPID, match: containsAll(", pid["), extract: pidPattern},
	{event: eventHTTPPort, match: publishAddressOf("[http", "HttpServer"), extract: publishAddressPattern},
	{event: eventTransportPort, match: publishAddressOf("[transport", "TransportService"), extract: publishAddressPattern},
}}

// classify returns the event carried by line and its numeric value, if any.
func (c lineClassifier) classify(line string) (lineEvent, int, error) {
	for _, r := range c.rules {
		if !r.match(line) {
			continue
		}
		if r.extract == nil {
			return r.event, 0, nil
		}
		m := r.extract.FindStringSubmatch(line)
		if m == nil {
			return r.event, 0, fmt.Errorf("%w: no %s in %q", ErrLogContractViolation, r.event, line)
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return r.event, 0, fmt.Errorf("%w: %s in %q: %w", ErrLogContractViolation, r.event, line, err)
		}
		return r.event, v, nil
	}
	return eventNone, 0, nil
}
