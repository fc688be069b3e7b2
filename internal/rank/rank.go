// Package rank derives the board's ordered listings from the item and
// profile tables. It never writes.
package rank

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/moderation"
	"github.com/alphabot-ai/newsboard/internal/store"
	"github.com/alphabot-ai/newsboard/internal/tree"
)

type Options struct {
	PageSize  int
	Gravity   float64
	Offset    float64
	NoobKarma float64
	NoobAge   time.Duration
}

func DefaultOptions() Options {
	return Options{
		PageSize:  30,
		Gravity:   1.8,
		Offset:    2,
		NoobKarma: 10,
		NoobAge:   14 * 24 * time.Hour,
	}
}

// Viewer is the requester a listing is filtered for. The zero value is an
// anonymous visitor.
type Viewer struct {
	User     string
	Showdead bool
}

type Engine struct {
	store  store.Reader
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	snap *snapshot
}

type snapshot struct {
	version  uint64
	items    map[int64]model.Item
	stories  []model.Item
	comments []model.Item
	profiles map[string]model.Profile
	bans     map[string]model.BanKind
	// active maps a story id to the newest comment time in its thread.
	active map[int64]int64
}

func NewEngine(st store.Reader, opts Options, logger *slog.Logger) *Engine {
	def := DefaultOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.Gravity <= 0 {
		opts.Gravity = def.Gravity
	}
	if opts.Offset <= 0 {
		opts.Offset = def.Offset
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, opts: opts, logger: logger, now: time.Now}
}

// Decay is the time-decayed ranking score of an item.
func Decay(score float64, age time.Duration, offset, gravity float64) float64 {
	hours := math.Max(age.Hours(), 0)
	return score / math.Pow(hours+offset, gravity)
}

func (e *Engine) load(ctx context.Context) (*snapshot, error) {
	v := e.store.Version()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snap != nil && e.snap.version == v {
		return e.snap, nil
	}

	s := &snapshot{
		version:  v,
		items:    make(map[int64]model.Item),
		profiles: make(map[string]model.Profile),
		bans:     make(map[string]model.BanKind),
		active:   make(map[int64]int64),
	}
	items, err := store.ScanAll[model.Item](ctx, e.store, store.Items)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		s.items[it.ID] = it
		switch {
		case it.IsStoryLike():
			s.stories = append(s.stories, it)
		case it.Type == model.TypeComment:
			s.comments = append(s.comments, it)
		}
	}
	profiles, err := store.ScanAll[model.Profile](ctx, e.store, store.Profiles)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	if err := e.store.Scan(ctx, store.BannedSites, func(key string, decode func(dest any) error) error {
		var b model.Ban
		if err := decode(&b); err != nil {
			return err
		}
		s.bans[key] = b.Ban
		return nil
	}); err != nil {
		return nil, err
	}

	lookup := func(id int64) (model.Item, bool) {
		it, ok := s.items[id]
		return it, ok
	}
	for _, st := range s.stories {
		last := st.Time
		// Poll options carry their own comment threads.
		roots := []model.Item{st}
		for _, id := range st.Parts {
			if opt, ok := s.items[id]; ok {
				roots = append(roots, opt)
			}
		}
		for _, root := range roots {
			for _, id := range tree.Descendants(root, lookup) {
				c := s.items[id]
				if c.Type == model.TypeComment && !c.Deleted && !c.Dead && c.Time > last {
					last = c.Time
				}
			}
		}
		s.active[st.ID] = last
	}

	e.snap = s
	e.logger.Debug("ranking snapshot rebuilt", "version", v, "items", len(s.items), "profiles", len(s.profiles), "site_bans", len(s.bans))
	return s, nil
}

func (s *snapshot) visible(it model.Item, v Viewer) bool {
	if it.Deleted {
		return false
	}
	if v.Showdead || (v.User != "" && it.By == v.User) {
		return true
	}
	if it.Dead {
		return false
	}
	if it.Type == model.TypeStory && s.bans[moderation.Site(it.URL)] == model.BanKill {
		return false
	}
	return true
}

func (s *snapshot) filter(list []model.Item, v Viewer, keep func(model.Item) bool) []model.Item {
	out := make([]model.Item, 0, len(list))
	for _, it := range list {
		if s.visible(it, v) && (keep == nil || keep(it)) {
			out = append(out, it)
		}
	}
	return out
}

func page[T any](list []T, n, size int) []T {
	if n < 1 {
		n = 1
	}
	start := (n - 1) * size
	if start >= len(list) {
		return []T{}
	}
	return list[start:min(start+size, len(list))]
}

func byTimeDesc(a, b model.Item) int {
	if c := cmp.Compare(b.Time, a.Time); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

// Newest lists stories and polls by submission time, newest first.
func (e *Engine) Newest(ctx context.Context, v Viewer, n int) ([]model.Item, error) {
	s, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	list := s.filter(s.stories, v, nil)
	slices.SortFunc(list, byTimeDesc)
	return page(list, n, e.opts.PageSize), nil
}

// Best lists stories by Decay of their score, ties going to the lower id.
func (e *Engine) Best(ctx context.Context, v Viewer, n int) ([]model.Item, error) {
	s, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	list := s.filter(s.stories, v, nil)
	ranks := make(map[int64]float64, len(list))
	for _, it := range list {
		ranks[it.ID] = Decay(it.Score, now.Sub(time.Unix(it.Time, 0)), e.opts.Offset, e.opts.Gravity)
	}
	slices.SortFunc(list, func(a, b model.Item) int {
		if c := cmp.Compare(ranks[b.ID], ranks[a.ID]); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return page(list, n, e.opts.PageSize), nil
}

// Active lists stories by the time of the newest comment in their thread.
// A story without comments counts from its own submission time.
func (e *Engine) Active(ctx context.Context, v Viewer, n int) ([]model.Item, error) {
	s, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	list := s.filter(s.stories, v, nil)
	slices.SortFunc(list, func(a, b model.Item) int {
		if c := cmp.Compare(s.active[b.ID], s.active[a.ID]); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return page(list, n, e.opts.PageSize), nil
}

// NewComments lists every visible comment, newest first.
func (e *Engine) NewComments(ctx context.Context, v Viewer, n int) ([]model.Item, error) {
	s, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	list := s.filter(s.comments, v, nil)
	slices.SortFunc(list, byTimeDesc)
	return page(list, n, e.opts.PageSize), nil
}

func (e *Engine) NoobStories(ctx context.Context, v Viewer, n int) ([]model.Item, error) {
	return e.noob(ctx, v, n, true)
}

func (e *Engine) NoobComments(ctx context.Context, v Viewer, n int) ([]model.Item, error) {
	return e.noob(ctx, v, n, false)
}

func (e *Engine) noob(ctx context.Context, v Viewer, n int, stories bool) ([]model.Item, error) {
	s, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	src := s.comments
	if stories {
		src = s.stories
	}
	cutoff := e.now().Add(-e.opts.NoobAge).Unix()
	list := s.filter(src, v, func(it model.Item) bool {
		p, ok := s.profiles[it.By]
		return ok && (p.Karma < e.opts.NoobKarma || p.Created > cutoff)
	})
	slices.SortFunc(list, byTimeDesc)
	return page(list, n, e.opts.PageSize), nil
}

// Leaders lists profiles by karma, earlier accounts first on ties.
// Shadow-banned users are left out.
func (e *Engine) Leaders(ctx context.Context, n int) ([]model.Profile, error) {
	s, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]model.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if !p.Ignore {
			list = append(list, p)
		}
	}
	slices.SortFunc(list, func(a, b model.Profile) int {
		if c := cmp.Compare(b.Karma, a.Karma); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Created, b.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return page(list, n, e.opts.PageSize), nil
}
