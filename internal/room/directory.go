package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devinvista/Trip-sub003/internal/storage"
)

type Options struct {
	// DrainPeriod is how long an empty room survives waiting for a rejoin.
	DrainPeriod time.Duration
	SaveTimeout time.Duration
	// Now overrides the clock used for edit timestamps.
	Now func() time.Time
}

func (o Options) now() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

// Directory maps trip ids to live rooms. Rooms are created on first join and
// evicted once they stay empty for the drain period.
type Directory struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	timers map[string]*time.Timer

	store  storage.Store
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func NewDirectory(ctx context.Context, logger *slog.Logger, store storage.Store, opts Options) *Directory {
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 10 * time.Second
	}
	dirCtx, cancel := context.WithCancel(ctx)
	return &Directory{
		rooms:  make(map[string]*Room),
		timers: make(map[string]*time.Timer),
		store:  store,
		opts:   opts,
		ctx:    dirCtx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "room_directory")),
	}
}

// Acquire returns the live room for tripID, creating it with the stored
// baseline when absent. The baseline is loaded outside the directory lock.
func (d *Directory) Acquire(ctx context.Context, tripID string) (*Room, error) {
	if r, ok := d.Get(tripID); ok {
		return r, nil
	}

	baseline, err := d.store.LoadTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline for trip '%s': %w", tripID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.rooms[tripID]; ok {
		// another joiner created it while we were loading
		return r, nil
	}
	r := newRoom(d.ctx, tripID, baseline, d.store, d.opts, d.roomEmptied, d.logger)
	d.rooms[tripID] = r
	d.logger.Info("Room created", slog.String("roomID", tripID), slog.Int("baselineFields", len(baseline)))
	return r, nil
}

func (d *Directory) Get(tripID string) (*Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[tripID]
	return r, ok
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

// roomEmptied starts the drain timer. It is called without the room lock.
func (d *Directory) roomEmptied(r *Room, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rooms[r.id] != r {
		return
	}
	if t, ok := d.timers[r.id]; ok {
		t.Stop()
	}
	d.timers[r.id] = time.AfterFunc(d.opts.DrainPeriod, func() {
		d.evict(r, gen)
	})
	d.logger.Debug("Room draining", slog.String("roomID", r.id), slog.Duration("drainPeriod", d.opts.DrainPeriod))
}

func (d *Directory) evict(r *Room, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rooms[r.id] != r {
		return
	}
	if !r.evictIfIdle(gen) {
		d.logger.Debug("Room rejoined during drain, keeping it", slog.String("roomID", r.id))
		return
	}
	delete(d.rooms, r.id)
	delete(d.timers, r.id)
	d.logger.Info("Room evicted", slog.String("roomID", r.id))
}

// Close stops drain timers and cancels in-flight saves.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.cancel()
}
