// Package events implements the Emit task's transport: publishing
// CloudEvents 1.0 envelopes over NATS core pub/sub, and an embeddable NATS
// server for the single-binary CLI. It mirrors the teacher's nats package
// split of a bare Connect helper plus an embedded *server.Server, one
// level down from its JetStream-backed streaming (Emit has no delivery or
// replay contract to keep, unlike the flow-event stream that package
// serves).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"flowcore/domain"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Connect dials the NATS server at url, matching the teacher's
// nats.GetConnection but parameterized rather than reading global config
// directly.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher publishes CloudEvent envelopes to a subject derived from the
// event's type, satisfying scheduler.EventPublisher.
type Publisher struct {
	conn    *nats.Conn
	subject func(domain.CloudEventTemplate) string
}

// NewPublisher wires a Publisher over an existing connection. subjectFn
// derives the NATS subject an envelope publishes to; nil defaults to
// "flowcore.events.<type>".
func NewPublisher(conn *nats.Conn, subjectFn func(domain.CloudEventTemplate) string) *Publisher {
	if subjectFn == nil {
		subjectFn = defaultSubject
	}
	return &Publisher{conn: conn, subject: subjectFn}
}

func defaultSubject(e domain.CloudEventTemplate) string {
	if e.Type == "" {
		return "flowcore.events"
	}
	return "flowcore.events." + e.Type
}

func (p *Publisher) Publish(ctx context.Context, envelope domain.CloudEventTemplate) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal CloudEvent envelope: %w", err)
	}
	if err := p.conn.Publish(p.subject(envelope), data); err != nil {
		return fmt.Errorf("failed to publish CloudEvent to NATS: %w", err)
	}
	return nil
}

// EmbeddedServerOptions configures the in-process NATS server the CLI
// starts when no external broker is configured.
type EmbeddedServerOptions struct {
	Port       int
	StoreDir   string
	ServerName string
}

// EmbeddedServer wraps an in-process *server.Server, mirroring the
// teacher's nats.Server: Start launches it at most once per EmbeddedServer,
// and its logging is forwarded to zerolog instead of the NATS server's own
// stderr logger.
type EmbeddedServer struct {
	inner     *server.Server
	log       zerolog.Logger
	startOnce sync.Once
}

func NewEmbeddedServer(opts EmbeddedServerOptions, log zerolog.Logger) (*EmbeddedServer, error) {
	if opts.ServerName == "" {
		opts.ServerName = "flowcore-embedded-nats"
	}
	serverOpts := &server.Options{
		ServerName: opts.ServerName,
		Port:       opts.Port,
		StoreDir:   filepath.Clean(opts.StoreDir),
		DontListen: false,
	}
	inner, err := server.NewServer(serverOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}
	inner.SetLogger(&natsLogAdapter{log: log.With().Str("component", "nats").Logger()}, false, false)
	return &EmbeddedServer{inner: inner, log: log}, nil
}

func (s *EmbeddedServer) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.inner.Start()
	})
	if !s.inner.ReadyForConnections(5 * time.Second) {
		return fmt.Errorf("embedded NATS server did not become ready within 5s")
	}
	return nil
}

func (s *EmbeddedServer) Stop() {
	s.inner.LameDuckShutdown()
}

func (s *EmbeddedServer) ClientURL() string {
	return s.inner.ClientURL()
}

// natsLogAdapter forwards the NATS server's own logging interface to
// zerolog, the way the teacher's nats.natsLogger does.
type natsLogAdapter struct {
	log zerolog.Logger
}

func (n *natsLogAdapter) Noticef(format string, v ...interface{}) { n.log.Info().Msgf(format, v...) }
func (n *natsLogAdapter) Warnf(format string, v ...interface{})   { n.log.Warn().Msgf(format, v...) }
func (n *natsLogAdapter) Fatalf(format string, v ...interface{})  { n.log.Fatal().Msgf(format, v...) }
func (n *natsLogAdapter) Errorf(format string, v ...interface{})  { n.log.Error().Msgf(format, v...) }
func (n *natsLogAdapter) Debugf(format string, v ...interface{})  { n.log.Debug().Msgf(format, v...) }
func (n *natsLogAdapter) Tracef(format string, v ...interface{})  { n.log.Trace().Msgf(format, v...) }
