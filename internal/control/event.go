package control

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Category names an event stream Tor can be asked to deliver with SETEVENTS.
type Category string

// Categories consumed by the orchestration layer. Any other name Tor knows
// about (e.g. "NOTICE", "ADDRMAP") is a valid custom Category.
const (
	CategoryCirc     Category = "CIRC"
	CategoryStream   Category = "STREAM"
	CategoryBW       Category = "BW"
	CategoryStreamBW Category = "STREAM_BW"
)

// Circuit sub-states as sent in CIRC events.
const (
	CircLaunched  = "LAUNCHED"
	CircBuilt     = "BUILT"
	CircGuardWait = "GUARD_WAIT"
	CircExtended  = "EXTENDED"
	CircFailed    = "FAILED"
	CircClosed    = "CLOSED"
)

// Stream sub-states as sent in STREAM events.
const (
	StreamNew         = "NEW"
	StreamNewResolve  = "NEWRESOLVE"
	StreamRemap       = "REMAP"
	StreamSentConnect = "SENTCONNECT"
	StreamSentResolve = "SENTRESOLVE"
	StreamSucceeded   = "SUCCEEDED"
	StreamFailed      = "FAILED"
	StreamClosed      = "CLOSED"
	StreamDetached    = "DETACHED"
)

// bwTimeLayout is the optional trailing timestamp of STREAM_BW events.
const bwTimeLayout = "2006-01-02T15:04:05.999999"

// Event is one asynchronous notification from Tor.
//
// Only the fields meaningful for Category are populated; Raw always holds the
// event body (everything after "650 ") so unknown categories can still be
// displayed.
type Event struct {
	Category Category

	// TargetID is the circuit ID for CIRC and the stream ID for STREAM and
	// STREAM_BW. It is empty for BW.
	TargetID string

	// SubState is the status keyword (BUILT, CLOSED, NEW, ...).
	SubState string

	// Path is the hop list of a CIRC event, as sent by Tor ("$FP~name").
	Path []string

	Reason       string
	RemoteReason string
	Purpose      string

	// CircuitID is the circuit a STREAM event refers to ("0" when unattached).
	CircuitID string

	// Target is the "host:port" of a STREAM event.
	Target string

	// SourceAddr is the "address:port" a STREAM originated from, if Tor knows.
	SourceAddr string

	BytesRead    int64
	BytesWritten int64

	// Time is the timestamp carried by STREAM_BW events; zero when absent.
	Time time.Time

	// Fields holds every KEY=VALUE pair found in the event.
	Fields map[string]string

	Raw string
}

// ParseEvent parses the body of an asynchronous event line, i.e. the text
// after "650 ", for example "CIRC 5 BUILT $AB~relay PURPOSE=GENERAL".
func ParseEvent(body string) (Event, error) {
	keyword, rest, _ := strings.Cut(body, " ")
	cat := Category(keyword)

	switch cat {
	case CategoryCirc:
		ev, err := ParseCircuitStatus(rest)
		ev.Raw = body
		return ev, err
	case CategoryStream:
		ev, err := ParseStreamStatus(rest)
		ev.Raw = body
		return ev, err
	case CategoryStreamBW:
		return parseStreamBW(body, rest)
	case CategoryBW:
		return parseBW(body, rest)
	default:
		return Event{Category: cat, Raw: body}, nil
	}
}

// ParseCircuitStatus parses a circuit description as found in CIRC events and
// in the lines of GETINFO circuit-status:
//
//	CircuitID CircStatus [Path] [KEY=VALUE ...]
func ParseCircuitStatus(line string) (Event, error) {
	tokens := tokenize(line)
	if len(tokens) < 2 {
		return Event{}, fmt.Errorf("%w: circuit status %q", ErrMalformedEvent, line)
	}

	ev := Event{
		Category: CategoryCirc,
		TargetID: tokens[0],
		SubState: tokens[1],
		Fields:   map[string]string{},
		Raw:      line,
	}

	rest := tokens[2:]
	if len(rest) > 0 && !strings.Contains(rest[0], "=") {
		ev.Path = strings.Split(rest[0], ",")
		rest = rest[1:]
	}
	collectFields(ev.Fields, rest)

	ev.Reason = ev.Fields["REASON"]
	ev.RemoteReason = ev.Fields["REMOTE_REASON"]
	ev.Purpose = ev.Fields["PURPOSE"]
	return ev, nil
}

// ParseStreamStatus parses a stream description as found in STREAM events and
// in the lines of GETINFO stream-status:
//
//	StreamID StreamStatus CircuitID Target [KEY=VALUE ...]
func ParseStreamStatus(line string) (Event, error) {
	tokens := tokenize(line)
	if len(tokens) < 4 {
		return Event{}, fmt.Errorf("%w: stream status %q", ErrMalformedEvent, line)
	}

	ev := Event{
		Category:  CategoryStream,
		TargetID:  tokens[0],
		SubState:  tokens[1],
		CircuitID: tokens[2],
		Target:    tokens[3],
		Fields:    map[string]string{},
		Raw:       line,
	}
	collectFields(ev.Fields, tokens[4:])

	ev.Reason = ev.Fields["REASON"]
	ev.RemoteReason = ev.Fields["REMOTE_REASON"]
	ev.Purpose = ev.Fields["PURPOSE"]
	ev.SourceAddr = ev.Fields["SOURCE_ADDR"]
	return ev, nil
}

// parseStreamBW handles "STREAM_BW StreamID BytesWritten BytesRead [Time]".
// Note the written/read order differs from BW.
func parseStreamBW(body, rest string) (Event, error) {
	tokens := tokenize(rest)
	if len(tokens) < 3 {
		return Event{}, fmt.Errorf("%w: %q", ErrMalformedEvent, body)
	}
	written, err := strconv.ParseInt(tokens[1], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: bytes written %q", ErrMalformedEvent, tokens[1])
	}
	read, err := strconv.ParseInt(tokens[2], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: bytes read %q", ErrMalformedEvent, tokens[2])
	}

	ev := Event{
		Category:     CategoryStreamBW,
		TargetID:     tokens[0],
		BytesRead:    read,
		BytesWritten: written,
		Raw:          body,
	}
	if len(tokens) > 3 {
		// Timestamps are advisory; a bad one falls back to local time.
		if ts, err := time.Parse(bwTimeLayout, tokens[3]); err == nil {
			ev.Time = ts
		}
	}
	return ev, nil
}

// parseBW handles "BW BytesRead BytesWritten".
func parseBW(body, rest string) (Event, error) {
	tokens := tokenize(rest)
	if len(tokens) < 2 {
		return Event{}, fmt.Errorf("%w: %q", ErrMalformedEvent, body)
	}
	read, err := strconv.ParseInt(tokens[0], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: bytes read %q", ErrMalformedEvent, tokens[0])
	}
	written, err := strconv.ParseInt(tokens[1], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: bytes written %q", ErrMalformedEvent, tokens[1])
	}
	return Event{
		Category:     CategoryBW,
		BytesRead:    read,
		BytesWritten: written,
		Raw:          body,
	}, nil
}

// collectFields stores KEY=VALUE tokens into dst, unquoting quoted values.
func collectFields(dst map[string]string, tokens []string) {
	for _, tok := range tokens {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		}
		dst[key] = value
	}
}

// tokenize splits on spaces while keeping double-quoted sections intact,
// so SOCKS_USERNAME="a b" stays one token.
func tokenize(s string) []string {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quoted:
			current.WriteRune(r)
			escaped = true
		case r == '"':
			current.WriteRune(r)
			quoted = !quoted
		case r == ' ' && !quoted:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// IsTerminalCircuitState reports whether a CIRC sub-state ends a build
// attempt.
func IsTerminalCircuitState(s string) bool {
	return s == CircBuilt || s == CircFailed || s == CircClosed
}

// IsTerminalStreamState reports whether a STREAM sub-state ends a stream.
func IsTerminalStreamState(s string) bool {
	return s == StreamClosed || s == StreamFailed
}
