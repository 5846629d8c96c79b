package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"catchment_api/internal/domain/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

// Listener bridges the durable database channel back onto the local bus.
// Events published by this process carry its origin id and are skipped; only
// foreign-origin changes (another process, or a change committed while a
// subscriber was reconnecting) are republished.
type Listener struct {
	bus     *Bus
	connStr string
	channel string
	origin  string
}

func NewListener(bus *Bus, connStr, channel, origin string) *Listener {
	return &Listener{bus: bus, connStr: connStr, channel: channel, origin: origin}
}

// Run listens until ctx is cancelled, reconnecting with exponential backoff
// after connection loss.
func (l *Listener) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry for the life of the process
	policy := backoff.WithContext(bo, ctx)
	for {
		err := backoff.Retry(func() error {
			return l.listen(ctx)
		}, policy)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("Notify listener stopping...")
				return
			}
			log.Printf("ERROR: Notify listener gave up: %v", err)
			return
		}
		policy.Reset()
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connStr)
	if err != nil {
		log.Printf("ERROR: Notify listener connect failed: %v", err)
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+l.channel); err != nil {
		log.Printf("ERROR: LISTEN %s failed: %v", l.channel, err)
		return err
	}
	log.Printf("INFO: Listening on database channel %q", l.channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Printf("ERROR: WaitForNotification failed, reconnecting: %v", err)
			return err
		}
		l.dispatch(notification.Payload)
	}
}

func (l *Listener) dispatch(raw string) {
	var payload model.NotifyPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		log.Printf("WARN: Dropping malformed notification payload: %v", err)
		return
	}
	if payload.Origin == l.origin {
		// Local subscribers already got this one from the on-commit hook.
		return
	}

	event := model.Event{
		Type:   payload.EventType,
		CSVID:  payload.CSVID,
		Status: payload.Status,
		Error:  payload.Error,
	}
	if payload.EventType == model.EventStart {
		event.TotalRows = payload.TotalRows
	}
	l.bus.Publish(event)
}
