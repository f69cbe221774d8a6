// Package daemon implements the client adapter: a UNIX management
// socket translating newline-delimited JSON exec-colod commands into
// Orchestrator and hypervisor-channel calls. This is explicitly a thin
// adapter, not core orchestrator logic.
package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lukasstraub2/colod/internal/colo"
	"github.com/lukasstraub2/colod/internal/logging"
	"github.com/lukasstraub2/colod/internal/qmp"
	"golang.org/x/sync/errgroup"
)

// Server is the management UNIX socket server. One goroutine serves each
// connection independently (multiple concurrent clients are allowed),
// using a per-connection-goroutine idiom.
type Server struct {
	log      logging.Logger
	orch     *colo.Orchestrator
	ch       *qmp.Channel
	sockPath string
	opTimeout time.Duration

	storeMu sync.Mutex
	store   map[string]interface{}

	yankMu        sync.Mutex
	yankInstances []string
}

// NewServer constructs a Server. opTimeout bounds proxied/yank commands
// issued on behalf of a client.
func NewServer(sockPath string, orch *colo.Orchestrator, ch *qmp.Channel, opTimeout time.Duration, log logging.Logger) *Server {
	return &Server{
		log:       log,
		orch:      orch,
		ch:        ch,
		sockPath:  sockPath,
		opTimeout: opTimeout,
		store:     make(map[string]interface{}),
	}
}

// Serve listens on the UNIX socket and serves connections until ctx is
// cancelled. An abruptly-closed client (scenario 3) is dropped silently
// and never blocks other clients.
func (s *Server) Serve(ctx context.Context) error {
	os.Remove(s.sockPath)
	ln, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return fmt.Errorf("daemon: listening on %s: %w", s.sockPath, err)
	}
	defer ln.Close()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})

	eg.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("daemon: accept: %w", err)
			}
			eg.Go(func() error {
				s.handleConn(ctx, conn)
				return nil
			})
		}
	})

	return eg.Wait()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		reply := s.dispatch(ctx, append([]byte(nil), line...))
		if _, err := conn.Write(append(reply, '\n')); err != nil {
			// Client went away mid-reply; nothing more to do for this
			// connection, and no other client is affected.
			return
		}
	}
	// scanner.Err() on an abrupt close is expected and not logged
	// (scenario 3): every other connection keeps running unaffected.
}
