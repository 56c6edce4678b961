package localconn

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/R3E-Network/iorate/infrastructure/logging"
	"github.com/R3E-Network/iorate/infrastructure/resilience"
	"github.com/R3E-Network/iorate/pkg/controlapp/local"
)

// socketBackoffConfig governs the accept-error backoff described in
// spec.md §4.5 ("Exponential backoff (starting at 500 ms, capped) on
// accept errors"). It reuses resilience.RetryConfig's field shape for the
// delay/cap/multiplier even though the accept loop itself never gives up:
// unlike resilience.Retry, which bounds attempts and returns once
// exhausted, Serve must keep accepting stage connections for the life of
// the process, so it walks the same exponential curve by hand via
// nextDelay instead of calling Retry.
var socketBackoffConfig = resilience.RetryConfig{
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
	Jitter:       0.1,
}

// Acceptor is the local connection manager (spec.md §4.5, "Local side"):
// a stream-socket listener on a per-local path. Each accepted socket
// becomes a HandshakeSession owned by the local control app via
// local.App.HandleStageConnection.
type Acceptor struct {
	listener net.Listener
	app      *local.App
	logger   *logging.Logger
	path     string
}

// SocketPath returns the Unix domain socket path convention named in
// spec.md §6 ("Local-socket path convention: /tmp/<local_address>.socket").
func SocketPath(socketDir, localAddress string) string {
	return filepath.Join(socketDir, fmt.Sprintf("%s.socket", sanitize(localAddress)))
}

// Listen binds the stage-facing Unix domain socket, removing any stale
// socket file left behind by a prior process.
func Listen(socketDir, localAddress string, app *local.App, logger *logging.Logger) (*Acceptor, error) {
	path := SocketPath(socketDir, localAddress)
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("localconn: listen on %s: %w", path, err)
	}
	return &Acceptor{listener: ln, app: app, logger: logger, path: path}, nil
}

// Serve runs the accept loop until ctx is cancelled or Close is called.
// Each accepted connection is handed to the local control app's stage
// bring-up FSM on its own goroutine so a slow handshake never blocks new
// arrivals (spec.md §5, "1 acceptor task per local's stage listener").
func (a *Acceptor) Serve(ctx context.Context) {
	delay := socketBackoffConfig.InitialDelay
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			a.logger.WithError(err).Warn("stage accept error, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = nextDelay(delay)
			continue
		}
		delay = socketBackoffConfig.InitialDelay
		go a.app.HandleStageConnection(ctx, conn)
	}
}

// Close closes the listener and removes the socket file.
func (a *Acceptor) Close() error {
	err := a.listener.Close()
	_ = os.Remove(a.path)
	return err
}

func nextDelay(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * socketBackoffConfig.Multiplier)
	if next > socketBackoffConfig.MaxDelay {
		return socketBackoffConfig.MaxDelay
	}
	return next
}

// sanitize replaces path-hostile characters in an address so it can be
// used as a filename component (e.g. "http://host:port" -> "http___host_port").
func sanitize(address string) string {
	out := make([]byte, 0, len(address))
	for i := 0; i < len(address); i++ {
		c := address[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
