package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	st, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testItem(id int64) model.Item {
	return model.Item{
		ID:    id,
		Type:  model.TypeStory,
		By:    "alice",
		Time:  time.Now().Unix(),
		Title: "Test Story",
		URL:   "https://example.com",
		Votes: []model.ItemVote{{Time: time.Now().Unix(), User: "alice", Dir: model.Up, Score: 0.5}},
		Score: 0.5,
	}
}

func TestItemLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	item := testItem(1)
	if err := st.Put(ctx, store.Items, "1", item); err != nil {
		t.Fatalf("put item: %v", err)
	}

	got, err := store.Load[model.Item](ctx, st, store.Items, "1")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Title != item.Title || got.Score != 0.5 {
		t.Fatalf("unexpected item: %+v", got)
	}

	if _, err := store.Load[model.Item](ctx, st, store.Items, "2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSchemaViolationRejectedBeforeWrite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		rec  func() model.Item
	}{
		{"bad type", func() model.Item { it := testItem(1); it.Type = "link"; return it }},
		{"bad direction", func() model.Item { it := testItem(1); it.Votes[0].Dir = "sideways"; return it }},
		{"score drift", func() model.Item { it := testItem(1); it.Score = 3; return it }},
		{"url on comment", func() model.Item { it := testItem(1); it.Type = model.TypeComment; it.Parent = 9; return it }},
		{"orphan pollopt", func() model.Item { it := testItem(1); it.Type = model.TypePollOpt; it.URL = ""; return it }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := st.Put(ctx, store.Items, "1", tc.rec())
			if !errors.Is(err, store.ErrSchemaViolation) {
				t.Fatalf("expected ErrSchemaViolation, got %v", err)
			}
			if _, err := store.Load[model.Item](ctx, st, store.Items, "1"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("rejected record was written: %v", err)
			}
		})
	}

	if err := st.Put(ctx, store.Profiles, "bob", model.Session{Token: "x", User: "bob", Created: 1}); !errors.Is(err, store.ErrSchemaViolation) {
		t.Fatalf("expected wrong record type to be rejected, got %v", err)
	}
}

func TestMutateLinearizesSameKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, store.Profiles, "alice", model.NewProfile("alice", 100)); err != nil {
		t.Fatalf("put profile: %v", err)
	}

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Mutate(ctx, st, store.Profiles, "alice", func(p *model.Profile, exists bool) error {
				if !exists {
					return errors.New("missing profile")
				}
				p.Karma += 0.5
				return nil
			})
			if err != nil {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	p, err := store.Load[model.Profile](ctx, st, store.Profiles, "alice")
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if want := model.DefaultKarma + workers*0.5; p.Karma != want {
		t.Fatalf("expected karma %v, got %v", want, p.Karma)
	}
}

func TestUpdateIsAllOrNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	keys := []store.Key{store.ItemKey(1), store.ProfileKey("alice")}
	err := st.Update(ctx, keys, func(tx store.Tx) error {
		if err := tx.Put(store.Items, "1", testItem(1)); err != nil {
			return err
		}
		bad := model.NewProfile("alice", 100)
		bad.Weight = -1
		return tx.Put(store.Profiles, "alice", bad)
	})
	if !errors.Is(err, store.ErrSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
	if _, err := store.Load[model.Item](ctx, st, store.Items, "1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("partial write visible: %v", err)
	}
	if st.Version() != 0 {
		t.Fatalf("version moved on aborted update: %d", st.Version())
	}

	err = st.Update(ctx, keys, func(tx store.Tx) error {
		return tx.Put(store.Items, "2", testItem(2))
	})
	if !errors.Is(err, store.ErrKeyNotLocked) {
		t.Fatalf("expected ErrKeyNotLocked, got %v", err)
	}
}

func TestUpdateReadsOwnWrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.Update(ctx, []store.Key{store.ProfileKey("alice")}, func(tx store.Tx) error {
		if err := tx.Put(store.Profiles, "alice", model.NewProfile("alice", 100)); err != nil {
			return err
		}
		p, err := store.LoadTx[model.Profile](ctx, tx, store.Profiles, "alice")
		if err != nil {
			return err
		}
		if p.ID != "alice" {
			return fmt.Errorf("unexpected profile %q", p.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.Version() != 1 {
		t.Fatalf("expected version 1, got %d", st.Version())
	}
}

func TestCancelledUpdateLeavesNoState(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := st.Update(ctx, []store.Key{store.ItemKey(1)}, func(tx store.Tx) error {
		if err := tx.Put(store.Items, "1", testItem(1)); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := store.Load[model.Item](context.Background(), st, store.Items, "1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cancelled write visible: %v", err)
	}
}

func TestNextIDMonotonic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := st.NextID(ctx, store.Items)
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
	}
}

func TestScanAll(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if err := st.Put(ctx, store.Items, fmt.Sprint(i), testItem(i)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := st.Put(ctx, store.Profiles, "alice", model.NewProfile("alice", 100)); err != nil {
		t.Fatalf("put profile: %v", err)
	}

	items, err := store.ScanAll[model.Item](ctx, st, store.Items)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
}

func TestReadsDoNotWaitForWriter(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "board.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	if err := st.Put(ctx, store.Items, "1", testItem(1)); err != nil {
		t.Fatalf("put item: %v", err)
	}

	// Hold the only write connection.
	conn, err := st.db.Conn(ctx)
	if err != nil {
		t.Fatalf("take writer: %v", err)
	}
	defer conn.Close()

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := store.Load[model.Item](readCtx, st, store.Items, "1")
	if err != nil {
		t.Fatalf("get while writer busy: %v", err)
	}
	if got.ID != 1 {
		t.Fatalf("unexpected item %+v", got)
	}
	items, err := store.ScanAll[model.Item](readCtx, st, store.Items)
	if err != nil {
		t.Fatalf("scan while writer busy: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
}

func TestWithPragmas(t *testing.T) {
	cases := map[string]string{
		"board.db":                    "board.db?_pragma=query_only(1)",
		"file:board.db?cache=private": "file:board.db?cache=private&_pragma=query_only(1)",
	}
	for in, want := range cases {
		if got := withPragmas(in, "query_only(1)"); got != want {
			t.Errorf("withPragmas(%q) = %q, want %q", in, got, want)
		}
	}
	if !inMemory("file:x?mode=memory&cache=shared") || inMemory("board.db") {
		t.Fatal("unexpected inMemory classification")
	}
}
