package event

import (
	"fmt"
	"time"

	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	"github.com/windrose-io/skybus/broker"
	"github.com/windrose-io/skybus/pkg/uuidx"
)

// Scope selects how far an event travels: within the publishing process or
// across every instance of the application.
type Scope string

const (
	// ScopeProcess delivers only to handlers in the publishing process.
	ScopeProcess Scope = "process"
	// ScopeApp delivers to every application instance. This is the
	// default scope.
	ScopeApp Scope = "app"
)

// SpecVersion is the CloudEvents specification version events declare.
const SpecVersion = "1.0"

// channelPrefix namespaces event channels on the underlying brokers.
const channelPrefix = "events."

// Event is a CloudEvents v1.0 shaped record with a delivery scope.
//
// ID, Source, SpecVersion and Type are the required context attributes;
// everything else is optional. Extensions holds free-form extension
// attributes that are flattened alongside the standard ones on the wire.
type Event struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	DataSchema      string          `json:"dataschema,omitempty"`
	Subject         string          `json:"subject,omitempty"`
	Time            strfmt.DateTime `json:"time,omitempty"`
	Data            map[string]any  `json:"data,omitempty"`
	Extensions      map[string]any  `json:"-"`
	Scope           Scope           `json:"scope"`
}

var (
	// WithID overrides the generated event identifier.
	WithID = opts.ForName[Event, string]("ID")
	// WithSubject sets the optional subject attribute.
	WithSubject = opts.ForName[Event, string]("Subject")
	// WithDataSchema sets the optional dataschema attribute.
	WithDataSchema = opts.ForName[Event, string]("DataSchema")
	// WithScope sets the delivery scope.
	WithScope = opts.ForName[Event, Scope]("Scope")
	// WithTime overrides the defaulted timestamp.
	WithTime = opts.ForName[Event, strfmt.DateTime]("Time")
	// WithData sets the event payload.
	WithData = opts.ForName[Event, map[string]any]("Data")
)

// WithExtension adds one extension attribute.
func WithExtension(key string, value any) opts.Option[Event] {
	return opts.Type[Event](func(e *Event) error {
		if e.Extensions == nil {
			e.Extensions = make(map[string]any)
		}
		e.Extensions[key] = value
		return nil
	})
}

// New constructs an event of the given type and source. The identifier,
// specversion, timestamp, content type and scope are defaulted and can be
// overridden through options.
func New(eventType, source string, options ...opts.Option[Event]) (*Event, error) {
	if eventType == "" {
		return nil, ErrTypeRequired
	}
	if source == "" {
		return nil, ErrSourceRequired
	}

	ev := &Event{
		ID:              uuidx.NewString(),
		Source:          source,
		SpecVersion:     SpecVersion,
		Type:            eventType,
		DataContentType: "application/json",
		Time:            strfmt.DateTime(time.Now().UTC()),
		Scope:           ScopeApp,
	}
	if err := opts.Apply(ev, options); err != nil {
		return nil, err
	}
	return ev, nil
}

// Channel returns the logical broker channel this event is delivered on.
func (e *Event) Channel() string {
	return ChannelFor(e.Type)
}

// ChannelFor derives the broker channel name for an event type.
func ChannelFor(eventType string) string {
	return channelPrefix + eventType
}

// standardAttrs are the context attribute keys that map onto Event fields;
// every other top-level key of a flat record is an extension attribute.
var standardAttrs = map[string]struct{}{
	"id":              {},
	"source":          {},
	"specversion":     {},
	"type":            {},
	"datacontenttype": {},
	"dataschema":      {},
	"subject":         {},
	"time":            {},
	"data":            {},
	"scope":           {},
}

// ToRecord flattens the event into the transport record brokers deliver:
// non-empty standard attributes plus extensions, merged to one level.
// Extensions never shadow standard attributes.
func (e *Event) ToRecord() broker.Record {
	rec := broker.Record{
		"id":          e.ID,
		"source":      e.Source,
		"specversion": e.SpecVersion,
		"type":        e.Type,
		"scope":       string(e.Scope),
	}
	if e.DataContentType != "" {
		rec["datacontenttype"] = e.DataContentType
	}
	if e.DataSchema != "" {
		rec["dataschema"] = e.DataSchema
	}
	if e.Subject != "" {
		rec["subject"] = e.Subject
	}
	if !time.Time(e.Time).IsZero() {
		rec["time"] = e.Time.String()
	}
	if e.Data != nil {
		rec["data"] = e.Data
	}
	for k, v := range e.Extensions {
		if _, taken := standardAttrs[k]; taken {
			continue
		}
		rec[k] = v
	}
	return rec
}

// FromRecord rebuilds an event from a flat record. Keys outside the
// standard attribute set are gathered back into Extensions. Missing
// identifier, specversion or scope fall back to their defaults; type and
// source remain required.
func FromRecord(rec broker.Record) (*Event, error) {
	eventType, _ := rec["type"].(string)
	if eventType == "" {
		return nil, ErrTypeRequired
	}
	source, _ := rec["source"].(string)
	if source == "" {
		return nil, ErrSourceRequired
	}

	ev := &Event{
		Source: source,
		Type:   eventType,
		Scope:  ScopeApp,
	}

	if id, _ := rec["id"].(string); id != "" {
		ev.ID = id
	} else {
		ev.ID = uuidx.NewString()
	}
	if sv, _ := rec["specversion"].(string); sv != "" {
		ev.SpecVersion = sv
	} else {
		ev.SpecVersion = SpecVersion
	}
	if s, _ := rec["scope"].(string); s != "" {
		ev.Scope = Scope(s)
	}
	ev.DataContentType, _ = rec["datacontenttype"].(string)
	ev.DataSchema, _ = rec["dataschema"].(string)
	ev.Subject, _ = rec["subject"].(string)

	switch t := rec["time"].(type) {
	case string:
		parsed, err := strfmt.ParseDateTime(t)
		if err != nil {
			return nil, fmt.Errorf("event: parse time: %w", err)
		}
		ev.Time = parsed
	case strfmt.DateTime:
		ev.Time = t
	case time.Time:
		ev.Time = strfmt.DateTime(t)
	}

	if data, ok := rec["data"].(map[string]any); ok {
		ev.Data = data
	}

	for k, v := range rec {
		if _, standard := standardAttrs[k]; standard {
			continue
		}
		if ev.Extensions == nil {
			ev.Extensions = make(map[string]any)
		}
		ev.Extensions[k] = v
	}
	return ev, nil
}
