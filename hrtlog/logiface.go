package hrtlog

import (
	"time"

	"github.com/joeycumines/logiface"
)

// logifaceEvent adapts a single log call into a logiface.Event, accumulating
// fields into an Entry until Write hands it to a Logger.
type logifaceEvent struct {
	logiface.UnimplementedEvent
	entry Entry
	level logiface.Level
}

func (e *logifaceEvent) Level() logiface.Level { return e.level }

func (e *logifaceEvent) AddField(key string, val any) {
	if e.entry.Fields == nil {
		e.entry.Fields = make(map[string]any, 4)
	}
	e.entry.Fields[key] = val
}

func (e *logifaceEvent) AddMessage(msg string) bool {
	e.entry.Message = msg
	return true
}

func (e *logifaceEvent) AddError(err error) bool {
	e.entry.Err = err
	return true
}

func (*logifaceEvent) mustEmbedUnimplementedEvent() {}

// toLevel follows logiface's recommended mapping (see logiface.Level docs):
// emergency/alert/critical/error -> Error, warning/notice -> Warn,
// informational -> Info, debug/trace -> Debug. Lower logiface.Level values
// are more severe.
func toLevel(l logiface.Level) Level {
	switch {
	case l <= logiface.LevelError:
		return LevelError
	case l <= logiface.LevelNotice:
		return LevelWarn
	case l <= logiface.LevelInformational:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// NewLogifaceWriter returns a logiface.Writer that forwards every event to
// dst, tagged with category. Install it via
// logiface.L[*logifaceEvent]().Writer(hrtlog.NewLogifaceWriter(...)) (or
// equivalent LoggerFactory wiring) to let a host's logiface pipeline consume
// this runtime's log output, or vice versa via NewEventFactory below.
func NewLogifaceWriter(dst Logger, category string) logiface.Writer[*logifaceEvent] {
	return logiface.WriterFunc[*logifaceEvent](func(event *logifaceEvent) error {
		entry := event.entry
		entry.Level = toLevel(event.level)
		entry.Category = category
		entry.Timestamp = time.Now()
		if !dst.IsEnabled(entry.Level) {
			return logiface.ErrDisabled
		}
		dst.Log(entry)
		return nil
	})
}

// NewEventFactory returns a logiface.EventFactory producing events this
// package's Writer understands, letting a host build a full
// logiface.Logger[*logifaceEvent] backed by an hrtlog.Logger.
func NewEventFactory() logiface.EventFactory[*logifaceEvent] {
	return logiface.EventFactoryFunc[*logifaceEvent](func(level logiface.Level) *logifaceEvent {
		return &logifaceEvent{level: level}
	})
}
