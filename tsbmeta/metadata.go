// Package tsbmeta holds the ordered, positioned metadata records attached
// to time-shifted content — currently the ad-reservation and ad-placement
// events a session dispatches to the outer event manager as playback
// crosses their position — and the Manager that keeps one list per
// registered type in position order.
package tsbmeta

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/rdkcentral/aamp-tsb/tsbtypes"
)

// eventLogger receives SendEvent diagnostics (nil sinks, unknown event
// kinds). Records are created by bare constructors rather than through a
// Manager, so the logger lives at package scope; New wires it from
// OptLogger.
var (
	eventLoggerMu sync.Mutex
	eventLogger   log.Logger = log.NewNopLogger()
)

// SetEventLogger routes SendEvent diagnostics to l.
func SetEventLogger(l log.Logger) {
	eventLoggerMu.Lock()
	defer eventLoggerMu.Unlock()
	if l == nil {
		l = log.NewNopLogger()
	}
	eventLogger = l
}

func getEventLogger() log.Logger {
	eventLoggerMu.Lock()
	defer eventLoggerMu.Unlock()
	return eventLogger
}

// Type identifies a family of metadata registered with a Manager. Ad
// metadata is the only family implemented today, but the registry is kept
// open-ended rather than hard-coding one list.
type Type int

const (
	AdMetadataType Type = iota
)

func (t Type) String() string {
	switch t {
	case AdMetadataType:
		return "ad"
	default:
		return "unknown"
	}
}

// MetaData is the common contract every positioned, ordered record
// satisfies. Position is the primary sort key; OrderAdded (assigned by the
// Manager on Add) breaks ties between records at the same position.
type MetaData interface {
	Type() Type
	Position() float64
	SetPosition(float64)
	OrderAdded() uint32
	SetOrderAdded(uint32)
	Dump(prefix string) string
	// SendEvent dispatches this record's event through sink. A nil sink is
	// tolerated: the call becomes a no-op.
	SendEvent(ctx context.Context, sink tsbtypes.EventSink) error
}

type baseMetaData struct {
	position   float64
	orderAdded uint32
}

func (b *baseMetaData) Position() float64      { return b.position }
func (b *baseMetaData) SetPosition(p float64)  { b.position = p }
func (b *baseMetaData) OrderAdded() uint32     { return b.orderAdded }
func (b *baseMetaData) SetOrderAdded(o uint32) { b.orderAdded = o }

// AdKind distinguishes the two ad metadata shapes.
type AdKind int

const (
	AdReservation AdKind = iota
	AdPlacement
)

func (k AdKind) String() string {
	switch k {
	case AdReservation:
		return "reservation"
	case AdPlacement:
		return "placement"
	default:
		return "unknown"
	}
}

// AdReservationMetaData records an ad break's start or end.
type AdReservationMetaData struct {
	baseMetaData
	eventType             tsbtypes.AdEventKind
	adBreakID             string
	periodPositionSeconds float64
}

// NewAdReservationMetaData builds a reservation record. position is the
// absolute content position, in seconds, the event fires at;
// periodPositionSeconds is the ad break's start position within its period.
func NewAdReservationMetaData(eventType tsbtypes.AdEventKind, position float64, adBreakID string, periodPositionSeconds float64) *AdReservationMetaData {
	return &AdReservationMetaData{
		baseMetaData:          baseMetaData{position: position},
		eventType:             eventType,
		adBreakID:             adBreakID,
		periodPositionSeconds: periodPositionSeconds,
	}
}

func (m *AdReservationMetaData) Type() Type                      { return AdMetadataType }
func (m *AdReservationMetaData) AdKind() AdKind                  { return AdReservation }
func (m *AdReservationMetaData) EventType() tsbtypes.AdEventKind { return m.eventType }
func (m *AdReservationMetaData) AdBreakID() string               { return m.adBreakID }
func (m *AdReservationMetaData) PeriodPositionSeconds() float64  { return m.periodPositionSeconds }

func (m *AdReservationMetaData) Dump(prefix string) string {
	return fmt.Sprintf("%sAdReservationMetaData: position=%.3fs event=%s adBreakId=%s periodPosition=%.3fs order=%d",
		prefix, m.position, m.eventType, m.adBreakID, m.periodPositionSeconds, m.orderAdded)
}

func (m *AdReservationMetaData) SendEvent(ctx context.Context, sink tsbtypes.EventSink) error {
	if sink == nil {
		level.Debug(getEventLogger()).Log("msg", "no sink for ad reservation event", "adBreakId", m.adBreakID)
		return nil
	}
	absMs := int64(m.position * 1000)
	switch m.eventType {
	case tsbtypes.AdEventStart, tsbtypes.AdEventEnd:
		return errors.Wrap(sink.SendAdReservationEvent(ctx, m.eventType, m.adBreakID, m.periodPositionSeconds, absMs, false), "tsbmeta: send ad reservation event")
	default:
		// Unknown event kinds are logged and dropped, not propagated.
		level.Warn(getEventLogger()).Log("msg", "dropping ad reservation event with unknown kind", "kind", int(m.eventType), "adBreakId", m.adBreakID)
		return nil
	}
}

// AdPlacementMetaData records a single ad's start, end, or playback error
// within a reservation.
type AdPlacementMetaData struct {
	baseMetaData
	eventType               tsbtypes.AdEventKind
	adID                    string
	relativePositionSeconds float64
	offsetSeconds           float64
	durationSeconds         float64
	errorCode               int
}

// NewAdPlacementMetaData builds a placement record. relativePositionSeconds
// is the ad's position relative to its reservation's start.
func NewAdPlacementMetaData(eventType tsbtypes.AdEventKind, position float64, durationSeconds float64, adID string, relativePositionSeconds, offsetSeconds float64) *AdPlacementMetaData {
	return &AdPlacementMetaData{
		baseMetaData:            baseMetaData{position: position},
		eventType:               eventType,
		adID:                    adID,
		relativePositionSeconds: relativePositionSeconds,
		offsetSeconds:           offsetSeconds,
		durationSeconds:         durationSeconds,
	}
}

func (m *AdPlacementMetaData) Type() Type                       { return AdMetadataType }
func (m *AdPlacementMetaData) AdKind() AdKind                   { return AdPlacement }
func (m *AdPlacementMetaData) EventType() tsbtypes.AdEventKind  { return m.eventType }
func (m *AdPlacementMetaData) AdID() string                     { return m.adID }
func (m *AdPlacementMetaData) RelativePositionSeconds() float64 { return m.relativePositionSeconds }
func (m *AdPlacementMetaData) OffsetSeconds() float64           { return m.offsetSeconds }
func (m *AdPlacementMetaData) DurationSeconds() float64         { return m.durationSeconds }

// SetErrorCode records the placement failure code used by an ERROR event.
func (m *AdPlacementMetaData) SetErrorCode(code int) { m.errorCode = code }
func (m *AdPlacementMetaData) ErrorCode() int        { return m.errorCode }

func (m *AdPlacementMetaData) Dump(prefix string) string {
	return fmt.Sprintf("%sAdPlacementMetaData: position=%.3fs event=%s adId=%s relativePosition=%.3fs offset=%.3fs duration=%.3fs order=%d",
		prefix, m.position, m.eventType, m.adID, m.relativePositionSeconds, m.offsetSeconds, m.durationSeconds, m.orderAdded)
}

func (m *AdPlacementMetaData) SendEvent(ctx context.Context, sink tsbtypes.EventSink) error {
	if sink == nil {
		level.Debug(getEventLogger()).Log("msg", "no sink for ad placement event", "adId", m.adID)
		return nil
	}
	absMs := int64(m.position * 1000)
	switch m.eventType {
	case tsbtypes.AdEventStart, tsbtypes.AdEventEnd, tsbtypes.AdEventError:
		return errors.Wrap(sink.SendAdPlacementEvent(ctx, m.eventType, m.adID, m.relativePositionSeconds, absMs, m.offsetSeconds, m.durationSeconds, false, m.errorCode), "tsbmeta: send ad placement event")
	default:
		// Unknown event kinds are logged and dropped, not propagated.
		level.Warn(getEventLogger()).Log("msg", "dropping ad placement event with unknown kind", "kind", int(m.eventType), "adId", m.adID)
		return nil
	}
}
