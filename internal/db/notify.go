package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL. The engine
// notifies the channel when an escalation is created so clinician dashboards
// can react without polling.
type Notifier struct {
	DB      *sql.DB
	DSN     string
	Channel string
}

// NewNotifier constructs a Notifier. The DSN is needed because pq.Listener
// maintains its own dedicated connection.
func NewNotifier(db *sql.DB, dsn, channel string) *Notifier {
	return &Notifier{DB: db, DSN: dsn, Channel: channel}
}

// EscalationCreated sends the thread id to the escalation channel.
func (n *Notifier) EscalationCreated(ctx context.Context, threadID string) error {
	_, err := n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, threadID)
	return err
}

// Listen subscribes to the escalation channel and yields thread ids as they
// arrive. The returned channel closes when ctx is cancelled.
func (n *Notifier) Listen(ctx context.Context) (<-chan string, error) {
	listener := pq.NewListener(n.DSN, 2*time.Second, time.Minute, nil)
	if err := listener.Listen(n.Channel); err != nil {
		listener.Close()
		return nil, err
	}
	ch := make(chan string)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case notification, ok := <-listener.Notify:
				if !ok {
					return
				}
				// A nil notification signals a reconnect; nothing to deliver.
				if notification == nil {
					continue
				}
				select {
				case ch <- notification.Extra:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				// Periodic liveness check on the listener connection.
				go listener.Ping()
			}
		}
	}()
	return ch, nil
}
