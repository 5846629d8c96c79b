package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"math"
	"time"

	"catchment_api/internal/domain/model"

	"github.com/google/uuid"
)

// StatusNotifier is the on-commit hook the job state machine invokes right
// after a successful status-changing transaction. It fans the event out to
// local subscribers and, for status changes, to the durable database channel
// so other processes and reconnecting subscribers observe the change too.
type StatusNotifier struct {
	bus     *Bus
	db      *sql.DB
	channel string
	origin  string
}

func NewStatusNotifier(bus *Bus, db *sql.DB, channel string) *StatusNotifier {
	return &StatusNotifier{
		bus:     bus,
		db:      db,
		channel: channel,
		origin:  uuid.NewString(),
	}
}

// Origin identifies this process instance on the durable channel, letting the
// listener drop events it published itself.
func (n *StatusNotifier) Origin() string {
	return n.origin
}

func (n *StatusNotifier) Bus() *Bus {
	return n.bus
}

// JobStarted announces the pending -> processing transition.
func (n *StatusNotifier) JobStarted(ctx context.Context, csvID string, totalRows int) {
	n.bus.Publish(model.Event{
		Type:      model.EventStart,
		CSVID:     csvID,
		Status:    model.CSVStatusProcessing,
		TotalRows: &totalRows,
	})
	n.notifyDurable(ctx, model.NotifyPayload{
		CSVID:     csvID,
		Status:    model.CSVStatusProcessing,
		EventType: model.EventStart,
		TotalRows: &totalRows,
		Origin:    n.origin,
	})
}

// Progress is in-process only; intermediate counters are not persisted, so
// there is nothing durable to announce.
func (n *StatusNotifier) Progress(csvID string, completed, total, failed int) {
	percentage := 0.0
	if total > 0 {
		percentage = math.Round(float64(completed)/float64(total)*1000) / 10
	}
	n.bus.Publish(model.Event{
		Type:       model.EventProgress,
		CSVID:      csvID,
		Completed:  &completed,
		Total:      &total,
		Failed:     &failed,
		Percentage: &percentage,
	})
}

// JobCompleted announces a terminal transition with its aggregate counters.
func (n *StatusNotifier) JobCompleted(ctx context.Context, csvID string, res *model.JobResult) {
	n.bus.Publish(model.Event{
		Type:   model.EventComplete,
		CSVID:  csvID,
		Status: res.Status,
		Error:  res.Error,
	})
	n.notifyDurable(ctx, model.NotifyPayload{
		CSVID:          csvID,
		Status:         res.Status,
		EventType:      model.EventComplete,
		SuccessfulRows: &res.SuccessfulRows,
		FailedRows:     &res.FailedRows,
		TotalRows:      &res.TotalRows,
		Error:          res.Error,
		Origin:         n.origin,
	})
}

func (n *StatusNotifier) notifyDurable(ctx context.Context, payload model.NotifyPayload) {
	if n.db == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: Failed to marshal notify payload for CSV %s: %v", payload.CSVID, err)
		return
	}
	// Best-effort: the local fan-out already happened and the status row is
	// committed, so a notify failure only degrades cross-process delivery.
	notifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := n.db.ExecContext(notifyCtx, `SELECT pg_notify($1, $2)`, n.channel, string(data)); err != nil {
		log.Printf("ERROR: Failed to notify channel %s for CSV %s: %v", n.channel, payload.CSVID, err)
	}
}
