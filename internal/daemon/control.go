package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mkalil/smsync/internal/account"
	"github.com/mkalil/smsync/internal/config"
	"github.com/mkalil/smsync/internal/status"
	intsync "github.com/mkalil/smsync/internal/sync"
	"go.uber.org/zap"
)

// ControlServer answers line-oriented commands on the account's Unix
// domain socket. Push-notification receivers and cron-style triggers poke
// it to request an immediate synchronization instead of waiting for the
// scheduler.
//
// Commands: PING, STATUS, SYNC [did].
type ControlServer struct {
	listener   net.Listener
	socketPath string
	engine     *intsync.Engine
	states     *status.Set
	dids       []string
	logger     *zap.Logger
}

// NewControlServer creates a control server bound to the account's Unix
// domain socket.
func NewControlServer(p Params, acct config.Account, engine *intsync.Engine, states *status.Set, logger *zap.Logger) (*ControlServer, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = account.SocketPath(p.Account)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &ControlServer{
		listener:   listener,
		socketPath: socketPath,
		engine:     engine,
		states:     states,
		dids:       acct.DIDs,
		logger:     logger,
	}, nil
}

// Start accepts control connections. Blocks until stopped.
func (s *ControlServer) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

// Stop closes the listener and removes the socket file.
func (s *ControlServer) Stop(_ context.Context) {
	s.logger.Info("control server stopping")
	_ = s.listener.Close()
	_ = os.Remove(s.socketPath)
}

func (s *ControlServer) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for _, reply := range s.execute(line) {
			if _, err := fmt.Fprintln(conn, reply); err != nil {
				return
			}
		}
	}
}

func (s *ControlServer) execute(line string) []string {
	fields := strings.Fields(line)
	switch strings.ToUpper(fields[0]) {
	case "PING":
		return []string{"PONG"}
	case "STATUS":
		replies := make([]string, 0, len(s.dids))
		for _, did := range s.dids {
			replies = append(replies, fmt.Sprintf("%s %s", did, s.states.Get(did).Current()))
		}
		return replies
	case "SYNC":
		targets := s.dids
		if len(fields) > 1 {
			targets = fields[1:]
		}
		replies := make([]string, 0, len(targets))
		for _, did := range targets {
			summary, err := s.engine.Synchronize(context.Background(), did)
			if err != nil {
				replies = append(replies, fmt.Sprintf("ERR %s: %v", did, err))
				continue
			}
			replies = append(replies, fmt.Sprintf("OK %s new=%d updated=%d confirmed=%d",
				did, summary.New, summary.Updated, summary.Confirmed))
		}
		return replies
	default:
		return []string{fmt.Sprintf("ERR unknown command %q", fields[0])}
	}
}
