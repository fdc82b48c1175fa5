package certdb

import (
	"context"
	"time"

	"github.com/account-login/ctxlog"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// Notification reports a modified or deleted certificate by name. Resync
// means notifications may have been lost.
type Notification struct {
	Channel string
	Name    string
	Resync  bool
}

const (
	kChannelModified = "modified"
	kChannelDeleted  = "deleted"
)

// PQNotifications listens for store changes with LISTEN/NOTIFY.
type PQNotifications struct {
	l *pq.Listener
}

func ListenPostgres(ctx context.Context, dsn string) (*PQNotifications, error) {
	l := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			ctxlog.Warnf(ctx, "listener event %v: %v", ev, err)
		}
	})
	for _, ch := range []string{kChannelModified, kChannelDeleted} {
		if err := l.Listen(ch); err != nil {
			_ = l.Close()
			return nil, errors.Wrapf(err, "listen %s", ch)
		}
	}
	return &PQNotifications{l: l}, nil
}

// Run forwards notifications to out until ctx is done, then closes out.
func (p *PQNotifications) Run(ctx context.Context, out chan<- Notification) {
	defer close(out)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		var n Notification
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			go func() {
				_ = p.l.Ping()
			}()
			continue
		case pn := <-p.l.Notify:
			if pn == nil {
				// reconnected
				n = Notification{Resync: true}
			} else {
				n = Notification{Channel: pn.Channel, Name: pn.Extra}
			}
		}

		select {
		case out <- n:
		case <-ctx.Done():
			return
		}
	}
}

func (p *PQNotifications) Close() error {
	return p.l.Close()
}
