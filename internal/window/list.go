package window

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/store"
)

// View is what a list surface renders.
type View struct {
	Range    Range
	IDs      []string
	Entities []entity.Entity
	Selected string
	Total    int
}

// List binds a uniform-height window to one store collection. It re-renders
// when the window range moves, when the selection moves, or when an entity
// inside the window changes. Scrolling inside the current range does not
// re-render.
type List struct {
	mu     sync.Mutex
	store  *store.Store
	key    store.CollectionKey
	geom   Geometry
	scroll int
	ids    []string
	win    Range
	sel    Selection

	renders  int
	debounce *FrameDebouncer
	onChange func(View)
	logger   *slog.Logger
	unsubs   []func()
}

// ListOption configures a List.
type ListOption func(*listConfig)

type listConfig struct {
	now      func() time.Time
	interval time.Duration
	onChange func(View)
	logger   *slog.Logger
}

// WithOnChange registers the render callback. It runs on the goroutine that
// caused the change, outside the list's lock.
func WithOnChange(fn func(View)) ListOption {
	return func(c *listConfig) { c.onChange = fn }
}

// WithClock sets the clock the scroll debouncer reads.
func WithClock(now func() time.Time) ListOption {
	return func(c *listConfig) { c.now = now }
}

// WithFrameInterval sets the scroll coalescing interval.
func WithFrameInterval(d time.Duration) ListOption {
	return func(c *listConfig) { c.interval = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ListOption {
	return func(c *listConfig) { c.logger = l }
}

// NewList subscribes to the collection kind@parent and computes the first window.
// Close releases the subscriptions.
func NewList(s *store.Store, kind entity.Kind, parent string, geom Geometry, opts ...ListOption) *List {
	cfg := listConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	l := &List{
		store:    s,
		key:      store.CollectionKey{Kind: kind, Parent: parent},
		geom:     geom,
		debounce: NewFrameDebouncer(cfg.interval, cfg.now),
		onChange: cfg.onChange,
		logger:   cfg.logger.With("list", kind, "parent", parent),
	}
	l.ids = s.Collection(kind, parent)
	l.sel.Sync(l.ids)
	l.win = geom.Compute(len(l.ids), 0)

	l.unsubs = append(l.unsubs,
		s.SubscribeCollection(kind, parent, l.onCollection),
		s.Subscribe(kind, l.onEntity),
	)
	return l
}

// Close stops listening to the store.
func (l *List) Close() {
	l.mu.Lock()
	unsubs := l.unsubs
	l.unsubs = nil
	l.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Window returns the current range.
func (l *List) Window() Range {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.win
}

// Renders counts render callbacks since the list was created.
func (l *List) Renders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renders
}

// ScrollOffset returns the applied scroll offset.
func (l *List) ScrollOffset() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scroll
}

// FrameInterval returns the scroll coalescing interval.
func (l *List) FrameInterval() time.Duration {
	return l.debounce.Interval()
}

// Scroll offers a new scroll offset. Offsets arriving within one frame of the
// last applied one are held until Frame. Reports whether a render happened.
func (l *List) Scroll(offset int) bool {
	v, ok := l.debounce.Offer(offset)
	if !ok {
		return false
	}
	return l.applyScroll(v)
}

// Frame applies a scroll offset held back by the debouncer, if its frame has
// elapsed. Reports whether a render happened.
func (l *List) Frame() bool {
	v, ok := l.debounce.Flush()
	if !ok {
		return false
	}
	return l.applyScroll(v)
}

// Resize changes the viewport height.
func (l *List) Resize(viewportHeight int) bool {
	l.mu.Lock()
	l.geom.ViewportHeight = viewportHeight
	changed := l.recomputeLocked()
	l.mu.Unlock()
	return l.maybeRender(changed)
}

// Select moves the cursor to id and scrolls it into view.
func (l *List) Select(id string) bool {
	l.mu.Lock()
	before := l.sel.ID()
	l.sel.Select(id)
	changed := l.revealLocked() || before != id
	l.mu.Unlock()
	return l.maybeRender(changed)
}

// MoveCursor shifts the selection by delta items and scrolls it into view.
// Returns the newly selected id.
func (l *List) MoveCursor(delta int) string {
	l.mu.Lock()
	before := l.sel.ID()
	id := l.sel.Move(l.ids, delta)
	changed := l.revealLocked() || before != id
	l.mu.Unlock()
	l.maybeRender(changed)
	return id
}

// Selected returns the selected id.
func (l *List) Selected() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sel.ID()
}

// View snapshots the rendered slice.
func (l *List) View() View {
	l.mu.Lock()
	win := l.win
	ids := slices.Clone(l.ids[win.Start:win.End])
	v := View{Range: win, IDs: ids, Selected: l.sel.ID(), Total: len(l.ids)}
	l.mu.Unlock()

	v.Entities = make([]entity.Entity, 0, len(ids))
	for _, id := range ids {
		if ent, ok := l.store.Get(l.key.Kind, id); ok {
			v.Entities = append(v.Entities, ent)
		}
	}
	return v
}

func (l *List) applyScroll(offset int) bool {
	l.mu.Lock()
	l.scroll = offset
	changed := l.recomputeLocked()
	l.mu.Unlock()
	return l.maybeRender(changed)
}

func (l *List) onCollection(c store.CollectionChange) {
	l.mu.Lock()
	l.ids = slices.Clone(c.IDs)
	before := l.sel.ID()
	l.sel.Sync(l.ids)
	changed := l.recomputeLocked() || before != l.sel.ID()
	l.mu.Unlock()
	l.logger.Debug("collection changed", "len", len(c.IDs), "render", changed)
	l.maybeRender(changed)
}

func (l *List) onEntity(c store.Change) {
	l.mu.Lock()
	i := slices.Index(l.ids, c.Key.ID)
	visible := i >= 0 && l.win.Contains(i)
	l.mu.Unlock()
	l.maybeRender(visible)
}

// recomputeLocked clamps the scroll offset and recomputes the window. Reports
// whether the range moved.
func (l *List) recomputeLocked() bool {
	if l.geom.ItemHeight > 0 {
		l.scroll = clampScroll(l.scroll, len(l.ids)*l.geom.ItemHeight, max(l.geom.ViewportHeight, 0))
	}
	next := l.geom.Compute(len(l.ids), l.scroll)
	if next == l.win {
		return false
	}
	l.win = next
	return true
}

// revealLocked scrolls the minimum distance that brings the selection fully
// into the viewport.
func (l *List) revealLocked() bool {
	i := l.sel.Index(l.ids)
	if i < 0 || l.geom.ItemHeight <= 0 {
		return false
	}
	top := i * l.geom.ItemHeight
	bottom := top + l.geom.ItemHeight
	switch {
	case top < l.scroll:
		l.scroll = top
	case bottom > l.scroll+l.geom.ViewportHeight:
		l.scroll = bottom - l.geom.ViewportHeight
	default:
		return false
	}
	return l.recomputeLocked()
}

func (l *List) maybeRender(changed bool) bool {
	if !changed {
		return false
	}
	l.mu.Lock()
	l.renders++
	fn := l.onChange
	l.mu.Unlock()
	if fn != nil {
		fn(l.View())
	}
	return true
}

// clampScroll bounds offset to the positions a scroll container can reach.
func clampScroll(offset, total, viewport int) int {
	maxScroll := max(0, total-viewport)
	return min(max(offset, 0), maxScroll)
}
