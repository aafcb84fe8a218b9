package bus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/storyloom/storyloom/core/infra/logging"
)

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultMaxAge = 7 * 24 * time.Hour
	streamJobs    = "STORYLOOM_JOBS"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilHandler = errors.New("nil handler")
)

// NatsBus publishes JSON job events over NATS, through JetStream when
// NATS_USE_JETSTREAM is set.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	log       *logging.Logger
}

// NewNatsBus dials NATS at url.
func NewNatsBus(url string) (*NatsBus, error) {
	log := logging.New("bus")
	nc, err := nats.Connect(url,
		nats.Name("storyloom-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected from nats", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, log: log}
	if truthy(os.Getenv(envUseJetStream)) {
		b.initJetStream()
	}
	return b, nil
}

// Close drains pending publishes and closes the connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// PublishJobEvent implements Publisher.
func (b *NatsBus) PublishJobEvent(ctx context.Context, evt JobEvent) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if b.jsEnabled {
		opts := []nats.PubOpt{nats.Context(ctx)}
		if evt.ID != "" {
			opts = append(opts, nats.MsgId(evt.ID))
		}
		_, err = b.js.Publish(evt.Subject(), data, opts...)
		return err
	}
	return b.nc.Publish(evt.Subject(), data)
}

// SubscribeJobEvents delivers decoded events matching subject, which may use
// NATS wildcards (e.g. "storyloom.job.>").
func (b *NatsBus) SubscribeJobEvents(subject string, handler func(JobEvent)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if handler == nil {
		return nil, errNilHandler
	}
	if subject == "" {
		subject = SubjectPrefix + "job.>"
	}
	return b.nc.Subscribe(subject, func(msg *nats.Msg) {
		evt, err := DecodeJobEvent(msg.Data)
		if err != nil {
			b.log.Warn("dropping undecodable event", "subject", msg.Subject, "err", err)
			return
		}
		handler(evt)
	})
}

// DecodeJobEvent parses a JSON-encoded event.
func DecodeJobEvent(data []byte) (JobEvent, error) {
	var evt JobEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return JobEvent{}, err
	}
	if evt.Type == "" || evt.AgentRunID == "" {
		return JobEvent{}, errors.New("event missing type or run id")
	}
	return evt, nil
}

// IsConnected reports whether the connection is up.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Status returns the connection state name.
func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) initJetStream() {
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}
	js, err := b.nc.JetStream()
	if err != nil {
		b.log.Warn("jetstream init failed", "err", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		b.log.Warn("jetstream not available", "err", err)
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamJobs,
		Subjects:   []string{SubjectPrefix + "job.>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		if _, infoErr := js.StreamInfo(streamJobs); infoErr != nil {
			b.log.Warn("jetstream ensure stream failed", "stream", streamJobs, "err", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	b.log.Info("jetstream enabled", "stream", streamJobs, "max_age", maxAge)
}

func truthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
