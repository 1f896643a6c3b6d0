package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/appforge/appforge/pkg/services"
)

// NotifyListener holds the replica's dedicated LISTEN connection. All build
// events arrive on one channel; routing to the right subscribers happens in
// the ConnectionManager. The listener reconnects with backoff when the
// connection drops, and re-issues LISTEN after every reconnect.
type NotifyListener struct {
	connString string
	manager    *ConnectionManager

	connMu sync.Mutex
	conn   *pgx.Conn

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates a listener dispatching into manager.
func NewNotifyListener(connString string, manager *ConnectionManager) *NotifyListener {
	return &NotifyListener{connString: connString, manager: manager}
}

// Start establishes the LISTEN connection and begins receiving. The receive
// loop runs until Stop.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("establishing LISTEN connection: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Event listener started", "channel", services.NotifyChannel)
	return nil
}

// connect dials and issues LISTEN on the fabric channel.
func (l *NotifyListener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, err
	}
	channel := pgx.Identifier{services.NotifyChannel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	return conn, nil
}

// receiveLoop is the sole goroutine touching the pgx connection.
func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.manager.Dispatch(ctx, []byte(notification.Payload))
	}
}

// reconnect re-establishes the connection with exponential backoff. Events
// published while disconnected are recovered by clients via catchup; the
// replay buffer resumes from the reconnect point.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := l.connect(ctx)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn
		slog.Info("Event listener reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
