package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/eddyem/canserver/internal/hub"
	"github.com/eddyem/canserver/internal/metrics"
)

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		defer cl.Close()
		sc := bufio.NewScanner(conn)
		sc.Buffer(make([]byte, maxLineLen+1), maxLineLen+1)
		for sc.Scan() {
			select {
			case <-ctxDone:
				return
			default:
			}
			line := sc.Text()
			if line == "" {
				continue
			}
			metrics.IncTCPRx()
			logger.Debug("client_command", "line", line)
			if s.echo {
				cl.Send(line)
			}
			if s.Router != nil {
				if reply := s.Router.Process(line); reply != "" {
					cl.Send(reply)
				}
			}
		}
		if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			metrics.IncError(metrics.ErrTCPRead)
			logger.Debug("client_read_error", "error", err)
		}
	}()
}
