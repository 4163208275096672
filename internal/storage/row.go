package storage

import (
	"fmt"
	"strconv"
	"time"
)

const (
	dateLayout = "2006/01/02"
	timeLayout = "15:04"
)

// row is the flat persisted form of a Record, shared by the file journal and
// the redis hash. Timestamps are unix milliseconds; date and time are the
// human-readable rendering of scheduled_at in the service timezone.
type row struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Content     string `json:"content"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	ScheduledAt int64  `json:"scheduled_at"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

func toRow(r Record, loc *time.Location) row {
	at := r.ScheduledAt.In(loc)
	return row{
		ID:          r.ID,
		Owner:       r.Owner,
		Date:        at.Format(dateLayout),
		Time:        at.Format(timeLayout),
		Content:     r.Content,
		Status:      string(r.Status),
		Reason:      r.Reason,
		ScheduledAt: r.ScheduledAt.UnixMilli(),
		CreatedAt:   r.CreatedAt.UnixMilli(),
		UpdatedAt:   r.UpdatedAt.UnixMilli(),
	}
}

func (w row) record(loc *time.Location) Record {
	return Record{
		ID:          w.ID,
		Owner:       w.Owner,
		ScheduledAt: time.UnixMilli(w.ScheduledAt).In(loc),
		Content:     w.Content,
		Status:      Status(w.Status),
		Reason:      w.Reason,
		CreatedAt:   time.UnixMilli(w.CreatedAt).In(loc),
		UpdatedAt:   time.UnixMilli(w.UpdatedAt).In(loc),
	}
}

// hash renders the row as redis hash fields.
func (w row) hash() map[string]any {
	return map[string]any{
		"id":           w.ID,
		"owner":        w.Owner,
		"date":         w.Date,
		"time":         w.Time,
		"content":      w.Content,
		"status":       w.Status,
		"reason":       w.Reason,
		"scheduled_at": w.ScheduledAt,
		"created_at":   w.CreatedAt,
		"updated_at":   w.UpdatedAt,
	}
}

func rowFromHash(m map[string]string) (row, error) {
	if len(m) == 0 {
		return row{}, ErrNotFound
	}
	var (
		w   row
		err error
	)
	w.ID = m["id"]
	w.Owner = m["owner"]
	w.Date = m["date"]
	w.Time = m["time"]
	w.Content = m["content"]
	w.Status = m["status"]
	w.Reason = m["reason"]
	if w.ScheduledAt, err = parseMillis(m, "scheduled_at"); err != nil {
		return row{}, err
	}
	if w.CreatedAt, err = parseMillis(m, "created_at"); err != nil {
		return row{}, err
	}
	if w.UpdatedAt, err = parseMillis(m, "updated_at"); err != nil {
		return row{}, err
	}
	if w.ID == "" || !Status(w.Status).Valid() {
		return row{}, fmt.Errorf("corrupt reminder hash (id=%q status=%q)", w.ID, w.Status)
	}
	return w, nil
}

func parseMillis(m map[string]string, field string) (int64, error) {
	v, ok := m[field]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", field, err)
	}
	return n, nil
}
