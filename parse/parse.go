// Package parse turns Sentry store-endpoint JSON and envelope streams into
// a flat, fully optional ParsedEvent plus zero or more SessionUpdates
// (spec §4.4). It follows spec §9's guidance: a conservative key lookup
// with fallbacks rather than strict schema enforcement, since the input is
// shape-polymorphic across SDK versions.
package parse

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"

	"github.com/hazyhaar/faultline/fingerprint"
)

// ErrMalformedJSON, ErrMissingEventID, ErrMissingTimestamp, and
// ErrUnsupportedEnvelopeFormat are the four parser error kinds from
// spec §4.4. Use errors.Is against these — wrapped context is added with
// github.com/pkg/errors for the digest worker's queue_error text.
var (
	ErrMalformedJSON             = errors.New("parse: malformed json")
	ErrMissingEventID            = errors.New("parse: missing event_id")
	ErrMissingTimestamp          = errors.New("parse: missing timestamp")
	ErrUnsupportedEnvelopeFormat = errors.New("parse: unsupported envelope format")
)

// ParsedEvent is the flat, fully optional record spec §9 calls for. Empty
// string means "absent" for every optional field; EventID and Timestamp are
// the only fields parse_store guarantees are populated (Platform is copied
// as given and may be empty).
type ParsedEvent struct {
	EventID     string
	Timestamp   int64
	Platform    string
	Environment string

	OSName    string
	OSVersion string

	Manufacturer string
	Brand        string
	Model        string
	// Chipset is taken from contexts.device.family — the spec lists no
	// separate "chipset" input key, and family is the closest analogue to
	// the chipset dimension table.
	Chipset string
	// Archs is contexts.device.arch, stored verbatim in device_specs.archs.
	Archs string

	ProcessorCount *int64
	MemorySize     *int64
	ScreenWidth    *int64
	ScreenHeight   *int64
	ScreenDensity  *float64
	ScreenDPI      *int64

	AppName    string
	AppVersion string
	AppBuild   string

	LocaleCode string
	Timezone   string

	User string

	Orientation    string
	ConnectionType string

	ExceptionType    string
	ExceptionMessage string
	Frames           []fingerprint.Frame
}

// SessionUpdate is one envelope "session" item (spec §4.4, §4.7 step 4).
type SessionUpdate struct {
	SID         string
	Init        bool
	StartedAt   int64
	Timestamp   int64
	Errors      int64
	Status      string
	Release     string
	Environment string
}

type rawDeviceContext struct {
	Manufacturer   string   `json:"manufacturer"`
	Brand          string   `json:"brand"`
	Model          string   `json:"model"`
	Arch           string   `json:"arch"`
	Family         string   `json:"family"`
	ModelID        string   `json:"model_id"`
	MemorySize     *int64   `json:"memory_size"`
	ProcessorCount *int64   `json:"processor_count"`
	ScreenWidth    *int64   `json:"screen_width"`
	ScreenHeight   *int64   `json:"screen_height"`
	ScreenDensity  *float64 `json:"screen_density"`
	ScreenDPI      *int64   `json:"screen_dpi"`
}

type rawEvent struct {
	EventID     string          `json:"event_id"`
	Timestamp   json.RawMessage `json:"timestamp"`
	Platform    string          `json:"platform"`
	Environment string          `json:"environment"`
	Contexts    struct {
		OS struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"os"`
		Device rawDeviceContext `json:"device"`
		App    struct {
			AppName    string `json:"app_name"`
			AppVersion string `json:"app_version"`
			AppBuild   string `json:"app_build"`
		} `json:"app"`
		Culture struct {
			Locale   string `json:"locale"`
			Timezone string `json:"timezone"`
		} `json:"culture"`
	} `json:"contexts"`
	User struct {
		ID       string `json:"id"`
		Email    string `json:"email"`
		Username string `json:"username"`
	} `json:"user"`
	Tags struct {
		Orientation    string `json:"orientation"`
		ConnectionType string `json:"connection_type"`
	} `json:"tags"`
	Exception struct {
		Values []struct {
			Type       string `json:"type"`
			Value      string `json:"value"`
			Stacktrace struct {
				Frames []fingerprint.Frame `json:"frames"`
			} `json:"stacktrace"`
		} `json:"values"`
	} `json:"exception"`
}

// ParseStore implements parse_store: the body is a single Sentry event
// object (spec §4.4).
func ParseStore(body []byte) (*ParsedEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, ErrMalformedJSON
	}
	return eventFromRaw(raw)
}

func eventFromRaw(raw rawEvent) (*ParsedEvent, error) {
	eventID := normalizeEventID(raw.EventID)
	if eventID == "" {
		return nil, ErrMissingEventID
	}

	ts, ok := parseTimestamp(raw.Timestamp)
	if !ok {
		return nil, ErrMissingTimestamp
	}

	ev := &ParsedEvent{
		EventID:     eventID,
		Timestamp:   ts,
		Platform:    raw.Platform,
		Environment: raw.Environment,

		OSName:    raw.Contexts.OS.Name,
		OSVersion: raw.Contexts.OS.Version,

		Manufacturer: raw.Contexts.Device.Manufacturer,
		Brand:        raw.Contexts.Device.Brand,
		Model:        firstNonEmpty(raw.Contexts.Device.Model, raw.Contexts.Device.ModelID),
		Chipset:      raw.Contexts.Device.Family,
		Archs:        raw.Contexts.Device.Arch,

		ProcessorCount: raw.Contexts.Device.ProcessorCount,
		MemorySize:     raw.Contexts.Device.MemorySize,
		ScreenWidth:    raw.Contexts.Device.ScreenWidth,
		ScreenHeight:   raw.Contexts.Device.ScreenHeight,
		ScreenDensity:  raw.Contexts.Device.ScreenDensity,
		ScreenDPI:      raw.Contexts.Device.ScreenDPI,

		AppName:    raw.Contexts.App.AppName,
		AppVersion: raw.Contexts.App.AppVersion,
		AppBuild:   raw.Contexts.App.AppBuild,

		LocaleCode: raw.Contexts.Culture.Locale,
		Timezone:   raw.Contexts.Culture.Timezone,

		User: firstNonEmpty(raw.User.ID, raw.User.Username, raw.User.Email),

		Orientation:    raw.Tags.Orientation,
		ConnectionType: raw.Tags.ConnectionType,
	}

	if len(raw.Exception.Values) > 0 {
		first := raw.Exception.Values[0]
		ev.ExceptionType = first.Type
		ev.ExceptionMessage = first.Value
		ev.Frames = first.Stacktrace.Frames
	}

	return ev, nil
}

type rawSession struct {
	SID       string          `json:"sid"`
	Init      bool            `json:"init"`
	Status    string          `json:"status"`
	Errors    int64           `json:"errors"`
	StartedAt json.RawMessage `json:"started"`
	Timestamp json.RawMessage `json:"timestamp"`
	Attrs     struct {
		Release     string `json:"release"`
		Environment string `json:"environment"`
	} `json:"attrs"`
}

func sessionFromRaw(raw rawSession) SessionUpdate {
	startedAt, _ := parseTimestamp(raw.StartedAt)
	timestamp, ok := parseTimestamp(raw.Timestamp)
	if !ok {
		timestamp = startedAt
	}
	return SessionUpdate{
		SID:         raw.SID,
		Init:        raw.Init,
		StartedAt:   startedAt,
		Timestamp:   timestamp,
		Errors:      raw.Errors,
		Status:      raw.Status,
		Release:     raw.Attrs.Release,
		Environment: raw.Attrs.Environment,
	}
}

type envelopeItemHeader struct {
	Type   string `json:"type"`
	Length *int   `json:"length"`
}

// ParseEnvelope implements parse_envelope (spec §4.4): a newline-delimited
// envelope header, followed by repeated {item-header}\npayload pairs. An
// item header's "length" (if present) is the exact byte count of its
// payload; otherwise the payload runs to the next newline. "event" items
// produce the returned *ParsedEvent (the last one wins — envelopes carry
// at most one in practice); "session" items each produce a SessionUpdate.
// Unknown item types are skipped, never failing the parse.
func ParseEnvelope(data []byte) (*ParsedEvent, []SessionUpdate, error) {
	headerEnd := bytes.IndexByte(data, '\n')
	if headerEnd < 0 {
		return nil, nil, ErrUnsupportedEnvelopeFormat
	}
	var envelopeHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[:headerEnd], &envelopeHeader); err != nil {
		return nil, nil, ErrMalformedJSON
	}

	var event *ParsedEvent
	var sessions []SessionUpdate

	pos := headerEnd + 1
	for pos < len(data) {
		lineEnd := bytes.IndexByte(data[pos:], '\n')
		if lineEnd < 0 {
			return nil, nil, ErrUnsupportedEnvelopeFormat
		}
		headerLine := data[pos : pos+lineEnd]
		pos += lineEnd + 1

		var header envelopeItemHeader
		if err := json.Unmarshal(headerLine, &header); err != nil {
			return nil, nil, ErrMalformedJSON
		}

		var payload []byte
		if header.Length != nil {
			end := pos + *header.Length
			if end > len(data) {
				return nil, nil, ErrUnsupportedEnvelopeFormat
			}
			payload = data[pos:end]
			pos = end
			if pos < len(data) && data[pos] == '\n' {
				pos++
			}
		} else {
			payloadEnd := bytes.IndexByte(data[pos:], '\n')
			if payloadEnd < 0 {
				payload = data[pos:]
				pos = len(data)
			} else {
				payload = data[pos : pos+payloadEnd]
				pos += payloadEnd + 1
			}
		}

		switch header.Type {
		case "event":
			var raw rawEvent
			if err := json.Unmarshal(payload, &raw); err != nil {
				return nil, nil, ErrMalformedJSON
			}
			ev, err := eventFromRaw(raw)
			if err != nil {
				return nil, nil, err
			}
			event = ev
		case "session":
			var raw rawSession
			if err := json.Unmarshal(payload, &raw); err != nil {
				return nil, nil, ErrMalformedJSON
			}
			sessions = append(sessions, sessionFromRaw(raw))
		default:
			// unknown item type: ignored, not fatal (spec §4.4)
		}
	}

	return event, sessions, nil
}

func normalizeEventID(raw string) string {
	id := strings.ToLower(strings.ReplaceAll(raw, "-", ""))
	if len(id) != 32 {
		return ""
	}
	for _, r := range id {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return ""
		}
	}
	return id
}

func parseTimestamp(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return int64(asNumber), true
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if n, err := strconv.ParseInt(asString, 10, 64); err == nil {
			return n, true
		}
		if t, err := time.Parse(time.RFC3339, asString); err == nil {
			return t.Unix(), true
		}
		if t, err := time.Parse(time.RFC3339Nano, asString); err == nil {
			return t.Unix(), true
		}
	}
	return 0, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// LooksLikeEnvelope implements the digest worker's format detection (spec
// §4.7 step 3): first byte '{' and a newline-delimited item header whose
// JSON object carries a "type" key.
func LooksLikeEnvelope(data []byte) bool {
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return false
	}
	rest := data[idx+1:]
	itemHeaderLine := rest
	if idx2 := bytes.IndexByte(rest, '\n'); idx2 >= 0 {
		itemHeaderLine = rest[:idx2]
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(itemHeaderLine, &probe); err != nil {
		return false
	}
	_, ok := probe["type"]
	return ok
}
