package rank

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/moderation"
	"github.com/alphabot-ai/newsboard/internal/store"
	"github.com/alphabot-ai/newsboard/internal/store/sqlite"
)

var now = time.Unix(1_700_000_000, 0)

func newTestEngine(t *testing.T, opts Options) (*Engine, store.Store) {
	t.Helper()
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	st, err := sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	e := NewEngine(st, opts, nil)
	e.now = func() time.Time { return now }
	return e, st
}

type itemDef struct {
	id      int64
	typ     model.ItemType
	by      string
	age     time.Duration
	score   float64
	parent  int64
	kids    []int64
	parts   []int64
	url     string
	dead    bool
	deleted bool
}

func put(t *testing.T, st store.Store, s itemDef) {
	t.Helper()
	if s.typ == "" {
		s.typ = model.TypeStory
	}
	if s.by == "" {
		s.by = "alice"
	}
	ts := now.Add(-s.age).Unix()
	it := model.Item{
		ID:      s.id,
		Type:    s.typ,
		By:      s.by,
		Time:    ts,
		URL:     s.url,
		Parent:  s.parent,
		Kids:    s.kids,
		Parts:   s.parts,
		Dead:    s.dead,
		Deleted: s.deleted,
		Score:   s.score,
		Votes:   []model.ItemVote{{Time: ts, User: s.by, Dir: model.Up, Score: s.score}},
	}
	if it.IsStoryLike() {
		it.Title = fmt.Sprintf("item %d", s.id)
	} else {
		it.Text = "text"
	}
	require.NoError(t, st.Put(context.Background(), store.Items, fmt.Sprint(s.id), it))
}

func putProfile(t *testing.T, st store.Store, id string, karma float64, age time.Duration) {
	t.Helper()
	p := model.NewProfile(id, now.Add(-age).Unix())
	p.Karma = karma
	require.NoError(t, st.Put(context.Background(), store.Profiles, id, p))
}

func ids(items []model.Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestNewestVisibility(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()
	put(t, st, itemDef{id: 1, age: 3 * time.Hour})
	put(t, st, itemDef{id: 2, age: 2 * time.Hour, dead: true})
	put(t, st, itemDef{id: 3, age: time.Hour, deleted: true})
	put(t, st, itemDef{id: 4, typ: model.TypePoll, age: 30 * time.Minute})
	put(t, st, itemDef{id: 5, typ: model.TypeComment, parent: 1, age: time.Minute})

	list, err := e.Newest(ctx, Viewer{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 1}, ids(list))

	list, err = e.Newest(ctx, Viewer{Showdead: true}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 2, 1}, ids(list), "showdead reveals dead but never deleted")

	list, err = e.Newest(ctx, Viewer{User: "alice"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 2, 1}, ids(list), "authors see their own dead items")
}

func TestBestDecaysWithAge(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()
	put(t, st, itemDef{id: 1, age: 48 * time.Hour, score: 200})
	put(t, st, itemDef{id: 2, age: time.Hour, score: 5})
	put(t, st, itemDef{id: 3, age: 10 * time.Hour, score: 5})

	list, err := e.Best(ctx, Viewer{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 3}, ids(list))

	again, err := e.Best(ctx, Viewer{}, 1)
	require.NoError(t, err)
	assert.Equal(t, ids(list), ids(again), "unchanged inputs give the same order")
}

func TestBestTiesGoToLowerID(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()
	put(t, st, itemDef{id: 7, age: time.Hour, score: 2})
	put(t, st, itemDef{id: 3, age: time.Hour, score: 2})
	put(t, st, itemDef{id: 5, age: time.Hour, score: 2})

	list, err := e.Best(ctx, Viewer{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5, 7}, ids(list))
}

func TestDecay(t *testing.T) {
	assert.InDelta(t, 1/math.Pow(2, 1.8), Decay(1, 0, 2, 1.8), 1e-12)
	assert.InDelta(t, 10/math.Pow(5, 1.8), Decay(10, 3*time.Hour, 2, 1.8), 1e-12)
	assert.Greater(t, Decay(10, time.Hour, 2, 1.8), Decay(10, 2*time.Hour, 2, 1.8))
}

func TestActiveUsesNewestComment(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()
	put(t, st, itemDef{id: 1, age: 10 * time.Hour, kids: []int64{3}})
	put(t, st, itemDef{id: 2, age: time.Hour})
	put(t, st, itemDef{id: 3, typ: model.TypeComment, parent: 1, age: 5 * time.Hour, kids: []int64{4}})
	put(t, st, itemDef{id: 4, typ: model.TypeComment, parent: 3, age: 10 * time.Minute})
	put(t, st, itemDef{id: 5, age: 2 * time.Hour, kids: []int64{6}})
	put(t, st, itemDef{id: 6, typ: model.TypeComment, parent: 5, age: time.Minute, deleted: true})

	list, err := e.Active(ctx, Viewer{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 5}, ids(list))
}

func TestActiveCountsPollOptionThreads(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()
	put(t, st, itemDef{id: 1, typ: model.TypePoll, age: 10 * time.Hour, parts: []int64{2}})
	put(t, st, itemDef{id: 2, typ: model.TypePollOpt, parent: 1, age: 10 * time.Hour, kids: []int64{3}})
	put(t, st, itemDef{id: 3, typ: model.TypeComment, parent: 2, age: time.Minute})
	put(t, st, itemDef{id: 4, age: time.Hour})

	list, err := e.Active(ctx, Viewer{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, ids(list))
}

func TestNewComments(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()
	put(t, st, itemDef{id: 1, age: 10 * time.Hour, kids: []int64{2, 3, 4}})
	put(t, st, itemDef{id: 2, typ: model.TypeComment, parent: 1, age: 3 * time.Hour})
	put(t, st, itemDef{id: 3, typ: model.TypeComment, parent: 1, age: time.Hour})
	put(t, st, itemDef{id: 4, typ: model.TypeComment, parent: 1, age: 2 * time.Hour, dead: true})

	list, err := e.NewComments(ctx, Viewer{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, ids(list))
}

func TestLeaders(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()
	putProfile(t, st, "carol", 40, 24*time.Hour)
	putProfile(t, st, "alice", 40, 48*time.Hour)
	putProfile(t, st, "bob", 90, time.Hour)
	putProfile(t, st, "troll", 500, time.Hour)
	require.NoError(t, store.Mutate(ctx, st, store.Profiles, "troll", func(p *model.Profile, _ bool) error {
		p.Ignore = true
		return nil
	}))

	list, err := e.Leaders(ctx, 1)
	require.NoError(t, err)
	got := make([]string, len(list))
	for i, p := range list {
		got[i] = p.ID
	}
	assert.Equal(t, []string{"bob", "alice", "carol"}, got)
}

func TestNoobListings(t *testing.T) {
	e, st := newTestEngine(t, Options{NoobKarma: 10, NoobAge: 7 * 24 * time.Hour})
	ctx := context.Background()
	putProfile(t, st, "veteran", 500, 365*24*time.Hour)
	putProfile(t, st, "lowkarma", 2, 365*24*time.Hour)
	putProfile(t, st, "newbie", 500, 24*time.Hour)
	put(t, st, itemDef{id: 1, by: "veteran", age: time.Hour, kids: []int64{4}})
	put(t, st, itemDef{id: 2, by: "lowkarma", age: 2 * time.Hour})
	put(t, st, itemDef{id: 3, by: "newbie", age: 3 * time.Hour})
	put(t, st, itemDef{id: 4, typ: model.TypeComment, by: "newbie", parent: 1, age: time.Minute})

	stories, err := e.NoobStories(ctx, Viewer{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ids(stories))

	comments, err := e.NoobComments(ctx, Viewer{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, ids(comments))
}

func TestPagination(t *testing.T) {
	e, st := newTestEngine(t, Options{PageSize: 2})
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		put(t, st, itemDef{id: i, age: time.Duration(10-i) * time.Hour})
	}

	p1, err := e.Newest(ctx, Viewer{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 4}, ids(p1))

	p3, err := e.Newest(ctx, Viewer{}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(p3))

	p9, err := e.Newest(ctx, Viewer{}, 9)
	require.NoError(t, err)
	assert.NotNil(t, p9)
	assert.Empty(t, p9)

	p0, err := e.Newest(ctx, Viewer{}, 0)
	require.NoError(t, err)
	assert.Equal(t, ids(p1), ids(p0))
}

func TestKillBannedSiteHidden(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()
	put(t, st, itemDef{id: 1, age: time.Hour, url: "https://www.spam.example/x", by: "bob"})
	put(t, st, itemDef{id: 2, age: 2 * time.Hour, url: "https://good.example/"})
	gate := moderation.NewGate(st, nil)
	require.NoError(t, gate.BanSite(ctx, model.Actor{User: "mod", Auth: model.AuthEditor}, "spam.example", model.BanKill, ""))

	list, err := e.Newest(ctx, Viewer{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(list))

	list, err = e.Newest(ctx, Viewer{Showdead: true}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(list))
}

func TestDeletedLeavesListingsButStaysAddressable(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()
	put(t, st, itemDef{id: 1, age: time.Hour, score: 3})
	put(t, st, itemDef{id: 2, age: 2 * time.Hour, score: 1})

	for _, list := range []func(context.Context, Viewer, int) ([]model.Item, error){e.Newest, e.Best, e.Active} {
		got, err := list(ctx, Viewer{}, 1)
		require.NoError(t, err)
		assert.Contains(t, ids(got), int64(1))
	}

	gate := moderation.NewGate(st, nil)
	require.NoError(t, gate.Delete(ctx, model.Actor{User: "alice"}, 1))

	for _, list := range []func(context.Context, Viewer, int) ([]model.Item, error){e.Newest, e.Best, e.Active} {
		got, err := list(ctx, Viewer{Showdead: true}, 1)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, ids(got))
	}

	it, err := store.Load[model.Item](ctx, st, store.Items, "1")
	require.NoError(t, err)
	assert.True(t, it.Deleted)
}

func TestSnapshotCachedByVersion(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()
	put(t, st, itemDef{id: 1, age: time.Hour})

	s1, err := e.load(ctx)
	require.NoError(t, err)
	s2, err := e.load(ctx)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	put(t, st, itemDef{id: 2, age: time.Minute})
	s3, err := e.load(ctx)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
	assert.Len(t, s3.stories, 2)
}
