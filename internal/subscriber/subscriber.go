// Package subscriber admits execution requests published on a NATS subject.
package subscriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mattjoyce/agent-runner/internal/config"
	"github.com/mattjoyce/agent-runner/internal/events"
	"github.com/mattjoyce/agent-runner/internal/protocol"
	"github.com/mattjoyce/agent-runner/internal/queue"
)

// drainTimeout bounds how long in-flight messages get to finish on shutdown.
const drainTimeout = 10 * time.Second

// Submitter admits requests into the execution queue.
type Submitter interface {
	Submit(req *protocol.Request) error
}

type errorReply struct {
	Error string `json:"error"`
}

// Subscriber is a queue-group subscription feeding the execution queue.
type Subscriber struct {
	cfg         config.NATSConfig
	queue       Submitter
	events      *events.Hub
	logger      *slog.Logger
	maxBodySize int64
}

// New builds a Subscriber. Messages larger than maxBodySize are rejected.
func New(cfg config.NATSConfig, q Submitter, hub *events.Hub, maxBodySize int64, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{cfg: cfg, queue: q, events: hub, logger: logger, maxBodySize: maxBodySize}
}

// Run connects, subscribes and blocks until ctx is done. Pending messages are
// drained before returning.
func (s *Subscriber) Run(ctx context.Context) error {
	closed := make(chan struct{})
	conn, err := nats.Connect(s.cfg.URL, s.connectOptions(closed)...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.logger.Info("connected to NATS", "url", conn.ConnectedUrl())

	sub, err := conn.QueueSubscribe(s.cfg.Subject, s.cfg.QueueGroup, s.onMsg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to queue subscribe to %s: %w", s.cfg.Subject, err)
	}
	s.logger.Info("NATS admission subscribed", "subject", sub.Subject, "queue", s.cfg.QueueGroup)

	<-ctx.Done()
	s.drain(conn.Drain, conn.Close, closed)
	return nil
}

// drain starts an asynchronous drain and waits for the connection to report
// closed, so no message handler is still submitting once Run returns.
func (s *Subscriber) drain(start func() error, closeConn func(), closed <-chan struct{}) {
	if err := start(); err != nil {
		s.logger.Warn("NATS drain failed", "error", err)
		closeConn()
	}

	timer := time.NewTimer(drainTimeout + time.Second)
	defer timer.Stop()
	select {
	case <-closed:
	case <-timer.C:
		s.logger.Warn("NATS drain did not finish, closing", "timeout", drainTimeout)
		closeConn()
	}
}

// connectOptions wires logging handlers; closed is closed once the
// connection is fully shut down.
func (s *Subscriber) connectOptions(closed chan<- struct{}) []nats.Option {
	log := s.logger
	return []nats.Option{
		nats.Name(s.cfg.ClientName),
		nats.MaxReconnects(s.cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", "error", err)
			} else {
				log.Info("NATS connection closed")
			}
			close(closed)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS error", "error", err, "subject", subject)
		}),
	}
}

func (s *Subscriber) onMsg(msg *nats.Msg) {
	reply := s.admit(msg.Data)
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(reply); err != nil {
		s.logger.Warn("failed to reply to NATS request", "subject", msg.Subject, "error", err)
	}
}

// admit decodes and queues one request, returning the reply body.
func (s *Subscriber) admit(data []byte) []byte {
	if s.maxBodySize > 0 && int64(len(data)) > s.maxBodySize {
		return s.rejected(fmt.Errorf("request body exceeds %d bytes", s.maxBodySize))
	}

	req, err := protocol.DecodeRequest(bytes.NewReader(data))
	if err != nil {
		return s.rejected(err)
	}

	if err := s.queue.Submit(req); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return s.rejected(errors.New("service is shutting down"))
		}
		return s.rejected(err)
	}

	s.events.Publish(events.TypeAccepted, req.ID, map[string]any{
		"source":    "nats",
		"workspace": req.Workspace.Kind(),
	})
	s.logger.Info("execution accepted", "execution_id", req.ID, "source", "nats")

	b, _ := json.Marshal(protocol.AcceptedResponse{ID: req.ID, Status: "accepted"})
	return b
}

func (s *Subscriber) rejected(err error) []byte {
	s.logger.Warn("NATS request rejected", "error", err)
	b, _ := json.Marshal(errorReply{Error: err.Error()})
	return b
}
