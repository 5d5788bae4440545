package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"transport-simulator/internal/transport"
)

// Event names used as the last subject token.
const (
	EventStarted           = "started"
	EventStopped           = "stopped"
	EventRegionChangeBegin = "region_change_begin"
	EventRegionChangeEnd   = "region_change_end"
	EventPosition          = "position"
)

type conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher broadcasts transport lifecycle events and position reports
// as JSON on <prefix>.<entry>.<event> subjects.
type NATSPublisher struct {
	nc          *nats.Conn
	out         conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	log         *zap.Logger
}

var _ transport.Broadcaster = (*NATSPublisher)(nil)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, log *zap.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("transport-simulator"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, prefix, logSubjects, m, log)
	p.nc = nc
	return p, nil
}

func newPublisher(out conn, prefix string, logSubjects bool, m PublisherMetrics, log *zap.Logger) *NATSPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSPublisher{out: out, prefix: subjectPrefix(prefix), logSubjects: logSubjects, metrics: m, log: log}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

type EventMessage struct {
	Event     string    `json:"event"`
	ID        string    `json:"id"`
	Entry     uint32    `json:"entry"`
	Name      string    `json:"name"`
	Region    uint32    `json:"region"`
	From      uint32    `json:"from,omitempty"`
	To        uint32    `json:"to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PositionMessage struct {
	transport.Status
	Timestamp time.Time `json:"timestamp"`
}

func (p *NATSPublisher) TransportStarted(t *transport.Transport, region uint32) {
	p.event(t, EventMessage{Event: EventStarted, Region: region})
}

func (p *NATSPublisher) TransportStopped(t *transport.Transport, region uint32) {
	p.event(t, EventMessage{Event: EventStopped, Region: region})
}

func (p *NATSPublisher) RegionChangeBegin(t *transport.Transport, from, to uint32) {
	p.event(t, EventMessage{Event: EventRegionChangeBegin, Region: from, From: from, To: to})
}

func (p *NATSPublisher) RegionChangeEnd(t *transport.Transport, from, to uint32) {
	p.event(t, EventMessage{Event: EventRegionChangeEnd, Region: to, From: from, To: to})
}

func (p *NATSPublisher) event(t *transport.Transport, msg EventMessage) {
	msg.ID = t.ID().String()
	msg.Entry = t.Entry()
	msg.Name = t.Name()
	msg.Timestamp = time.Now().UTC()
	if err := p.publish(p.Subject(msg.Entry, msg.Event), msg); err != nil {
		p.log.Warn("publish event failed", zap.String("event", msg.Event), zap.Uint32("entry", msg.Entry), zap.Error(err))
	}
}

// PublishStatus sends a position report for one transport.
func (p *NATSPublisher) PublishStatus(st transport.Status) error {
	return p.publish(p.Subject(st.Entry, EventPosition), PositionMessage{Status: st, Timestamp: time.Now().UTC()})
}

func (p *NATSPublisher) Subject(entry uint32, event string) string {
	return fmt.Sprintf("%s.%d.%s", p.prefix, entry, subjectToken(event))
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.log.Debug("nats publish", zap.String("subject", subject))
	}
	start := time.Now()
	err = p.out.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// subjectPrefix sanitizes each dot-separated token of a configured prefix.
func subjectPrefix(prefix string) string {
	parts := strings.Split(strings.Trim(strings.TrimSpace(prefix), "."), ".")
	for i, part := range parts {
		parts[i] = subjectToken(part)
	}
	return strings.Join(parts, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
