package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// ArchiveStore is the part of domain.OrderStore the archiver reads from.
type ArchiveStore interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Order, error)
	ListLegs(ctx context.Context, id domain.OrderID) ([]domain.Leg, error)
	ListFills(ctx context.Context, id domain.OrderID) ([]domain.Fill, error)
	ListBids(ctx context.Context, id domain.OrderID) ([]domain.Bid, error)
	ListEvents(ctx context.Context, id domain.OrderID, opts domain.ListOpts) ([]domain.SwapEvent, error)
	MarkArchived(ctx context.Context, id domain.OrderID, at time.Time) error
}

// record is one line of an archive file.
type record struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

const (
	kindOrder = "order"
	kindLeg   = "leg"
	kindFill  = "fill"
	kindBid   = "bid"
	kindEvent = "event"
)

// Archiver implements domain.Archiver. Each finished order is written as
// one JSONL object at archive/orders/<id>.jsonl: the order first, then its
// legs, fills, bids and events. The row is only flagged archived after the
// upload succeeds.
type Archiver struct {
	store  ArchiveStore
	writer domain.BlobWriter
	reader domain.BlobReader
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(store ArchiveStore, writer domain.BlobWriter, reader domain.BlobReader, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:  store,
		writer: writer,
		reader: reader,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// ArchivePath returns the object key of an archived order.
func ArchivePath(id domain.OrderID) string {
	return fmt.Sprintf("archive/orders/%s.jsonl", id)
}

// ArchiveSettled uploads every settled or refunded order whose timelock is
// before the cutoff and returns the ids that were archived. It stops at the
// first failure, returning what was archived so far.
func (a *Archiver) ArchiveSettled(ctx context.Context, before time.Time) ([]domain.OrderID, error) {
	orders, err := a.store.ListSettledBefore(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("s3blob: list settled orders: %w", err)
	}

	var done []domain.OrderID
	for _, o := range orders {
		if err := a.archiveOne(ctx, o); err != nil {
			return done, err
		}
		done = append(done, o.ID)
	}
	return done, nil
}

func (a *Archiver) archiveOne(ctx context.Context, o domain.Order) error {
	legs, err := a.store.ListLegs(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("s3blob: legs of %s: %w", o.ID, err)
	}
	fills, err := a.store.ListFills(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("s3blob: fills of %s: %w", o.ID, err)
	}
	bids, err := a.store.ListBids(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("s3blob: bids of %s: %w", o.ID, err)
	}
	events, err := a.store.ListEvents(ctx, o.ID, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("s3blob: events of %s: %w", o.ID, err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	write := func(kind string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("s3blob: encode %s of %s: %w", kind, o.ID, err)
		}
		return enc.Encode(record{Kind: kind, Data: data})
	}

	if err := write(kindOrder, o); err != nil {
		return err
	}
	for _, l := range legs {
		if err := write(kindLeg, l); err != nil {
			return err
		}
	}
	for _, f := range fills {
		if err := write(kindFill, f); err != nil {
			return err
		}
	}
	for _, b := range bids {
		if err := write(kindBid, b); err != nil {
			return err
		}
	}
	for _, ev := range events {
		if err := write(kindEvent, ev); err != nil {
			return err
		}
	}

	path := ArchivePath(o.ID)
	if err := a.writer.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	if err := a.store.MarkArchived(ctx, o.ID, a.now().UTC()); err != nil {
		return fmt.Errorf("s3blob: mark %s archived: %w", o.ID, err)
	}
	a.logger.InfoContext(ctx, "order archived",
		slog.String("order_id", string(o.ID)),
		slog.String("path", path),
		slog.Int("events", len(events)),
	)
	return nil
}

// LoadArchived reads an archived order back. Bids and events are not part
// of the view and are skipped.
func (a *Archiver) LoadArchived(ctx context.Context, id domain.OrderID) (domain.OrderView, error) {
	body, err := a.reader.Get(ctx, ArchivePath(id))
	if err != nil {
		return domain.OrderView{}, fmt.Errorf("s3blob: load archived %s: %w", id, err)
	}
	defer body.Close()

	var v domain.OrderView
	var sawOrder bool
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return domain.OrderView{}, fmt.Errorf("s3blob: archived %s line %d: %w", id, line, err)
		}
		switch rec.Kind {
		case kindOrder:
			err = json.Unmarshal(rec.Data, &v.Order)
			sawOrder = true
		case kindLeg:
			var l domain.Leg
			if err = json.Unmarshal(rec.Data, &l); err == nil {
				v.Legs = append(v.Legs, l)
			}
		case kindFill:
			var f domain.Fill
			if err = json.Unmarshal(rec.Data, &f); err == nil {
				v.Fills = append(v.Fills, f)
			}
		}
		if err != nil {
			return domain.OrderView{}, fmt.Errorf("s3blob: archived %s line %d: %w", id, line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return domain.OrderView{}, fmt.Errorf("s3blob: read archived %s: %w", id, err)
	}
	if !sawOrder {
		return domain.OrderView{}, fmt.Errorf("s3blob: archived %s has no order record: %w", id, domain.ErrNotFound)
	}
	return v, nil
}

var _ domain.Archiver = (*Archiver)(nil)
