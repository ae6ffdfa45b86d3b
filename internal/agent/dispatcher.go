package agent

import (
	"context"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/sourceagent/internal/pairing"
	"github.com/danmuck/sourceagent/internal/protocol/handshake"
	"github.com/danmuck/sourceagent/internal/session"
)

// dispatcher turns a completed pair into a running session. It is called
// under the pair's registry lock and only starts goroutines.
type dispatcher struct {
	svc *Service
}

func (d dispatcher) Dispatch(id handshake.CorrelationID, comm net.Conn, data net.Conn) (pairing.Bound, error) {
	cfg := d.svc.cfg.Session
	next := cfg.OnClose
	cfg.OnClose = func(sess *session.Session, err error) {
		d.svc.registry.Release(sess.ID(), sess)
		if next != nil {
			next(sess, err)
		}
	}

	sess := session.New(id, comm, data, cfg)
	go func() {
		_ = sess.Run()
	}()
	go d.svc.bootstrap(sess)
	return sess, nil
}

// bootstrap opens sess against the configured source. Failure closes the
// session, which releases its registry entry.
func (s *Service) bootstrap(sess *session.Session) {
	ctx, cancel := context.WithTimeout(s.runContext(), s.cfg.OpenTimeout)
	defer cancel()

	if err := sess.Open(ctx, s.cfg.Source, s.resolver); err != nil {
		log.Warn().Err(err).Msgf("agent.bootstrap failed id=%q type=%q", sess.ID(), s.cfg.Source.Type)
		_ = sess.Close()
		return
	}
	log.Info().Msgf("agent.bootstrap ready id=%q type=%q api_version=%d", sess.ID(), s.cfg.Source.Type, sess.APIVersion())
	if s.cfg.OnSessionReady != nil {
		s.cfg.OnSessionReady(sess)
	}
}
