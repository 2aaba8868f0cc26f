package server

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/eddyem/canserver/internal/hub"
	"github.com/eddyem/canserver/internal/metrics"
)

// startWriter launches the goroutine pushing hub lines to a single client connection.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.Hub.Remove(cl)
			s.clientsMu.Lock()
			delete(s.clients, cl)
			s.clientsMu.Unlock()
			s.totalDisconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		for {
			select {
			case line := <-cl.Out:
				if !strings.HasSuffix(line, "\n") {
					line += "\n"
				}
				if _, err := conn.Write([]byte(line)); err != nil {
					wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
					metrics.IncError(mapErrToMetric(wrap))
					s.setError(wrap)
					return
				}
				metrics.AddTCPTx(1)
			case <-cl.Closed:
				return
			case <-ctxDone:
				return
			}
		}
	}()
}
