package httpapp_test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alphabot-ai/newsboard/internal/auth"
	"github.com/alphabot-ai/newsboard/internal/client"
	httpapp "github.com/alphabot-ai/newsboard/internal/http"
	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/moderation"
	"github.com/alphabot-ai/newsboard/internal/rank"
	"github.com/alphabot-ai/newsboard/internal/rate"
	"github.com/alphabot-ai/newsboard/internal/store/sqlite"
	"github.com/alphabot-ai/newsboard/internal/tree"
	"github.com/alphabot-ai/newsboard/internal/vote"
)

type board struct {
	baseURL string
	auth    *auth.Service
	gate    *moderation.Gate
}

func startBoard(t *testing.T, dsn string) *board {
	t.Helper()
	st, err := sqlite.Open(dsn, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	gate := moderation.NewGate(st, nil)
	authSvc := auth.NewService(st, time.Hour, 1, nil)
	server := httpapp.NewServer(httpapp.Services{
		Auth:  authSvc,
		Tree:  tree.NewService(st, gate, rate.PerMinute(1000), nil),
		Votes: vote.NewProcessor(st, gate, vote.IPCluster{Window: time.Hour, Ring: 2}, vote.Options{DownvoteThreshold: 20}, nil),
		Rank:  rank.NewEngine(st, rank.DefaultOptions(), nil),
		Gate:  gate,
	}, httpapp.Options{Vote: rate.PerMinute(1000), Flag: rate.PerMinute(1000), TrustProxy: true}, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	httpServer := &http.Server{Handler: server}
	go func() {
		_ = httpServer.Serve(listener)
	}()
	t.Cleanup(func() { _ = httpServer.Close() })

	return &board{baseURL: "http://" + listener.Addr().String(), auth: authSvc, gate: gate}
}

// user returns a signed-in client whose requests appear to come from ip.
func (b *board) user(t *testing.T, name, ip string) *client.Client {
	t.Helper()
	c := client.New(b.baseURL)
	c.Header.Set("X-Real-IP", ip)
	if err := c.RegisterAndLogin(name, "password-"+name); err != nil {
		t.Fatalf("sign in %s: %v", name, err)
	}
	return c
}

func itemScore(t *testing.T, c *client.Client, id int64) float64 {
	t.Helper()
	it, err := c.GetItem(id)
	if err != nil {
		t.Fatalf("get item %d: %v", id, err)
	}
	return it.Score
}

func karma(t *testing.T, c *client.Client, user string) float64 {
	t.Helper()
	u, err := c.GetUser(user)
	if err != nil {
		t.Fatalf("get user %s: %v", user, err)
	}
	return u.Karma
}

func TestEndToEndServer(t *testing.T) {
	b := startBoard(t, "file:e2e_test?mode=memory&cache=shared")

	alice := b.user(t, "alice", "10.0.0.1")
	bob := b.user(t, "bob", "10.0.0.2")
	mallory := b.user(t, "mallory", "10.9.9.9")

	story, err := alice.PostStory("A story worth reading", "https://example.com/read", "")
	if err != nil {
		t.Fatalf("post story: %v", err)
	}
	if got := itemScore(t, alice, story); got != model.DefaultWeight {
		t.Fatalf("expected self-vote score %v, got %v", model.DefaultWeight, got)
	}
	karmaBefore := karma(t, alice, "alice")

	if err := bob.Vote(story, model.Up); err != nil {
		t.Fatalf("bob upvote: %v", err)
	}
	if got := itemScore(t, alice, story); got != 2*model.DefaultWeight {
		t.Fatalf("expected score %v after upvote, got %v", 2*model.DefaultWeight, got)
	}
	if got := karma(t, alice, "alice"); got != karmaBefore+model.DefaultWeight {
		t.Fatalf("expected author karma %v, got %v", karmaBefore+model.DefaultWeight, got)
	}

	if err := bob.Vote(story, model.Up); err != nil {
		t.Fatalf("repeat upvote: %v", err)
	}
	if got := itemScore(t, alice, story); got != 2*model.DefaultWeight {
		t.Fatalf("repeat upvote changed score to %v", got)
	}

	system := model.Actor{User: "system", Auth: model.AuthAdmin}
	if err := b.gate.BanIP(context.Background(), system, "10.9.9.9", model.BanKill, "vote ring"); err != nil {
		t.Fatalf("ban ip: %v", err)
	}
	err = mallory.Vote(story, model.Up)
	if client.StatusOf(err) != http.StatusForbidden {
		t.Fatalf("expected banned vote to be forbidden, got %v", err)
	}
	if got := itemScore(t, alice, story); got != 2*model.DefaultWeight {
		t.Fatalf("banned vote changed score to %v", got)
	}

	newest, err := bob.Listing("newest", 1)
	if err != nil {
		t.Fatalf("newest: %v", err)
	}
	if len(newest) != 1 || newest[0].ID != story {
		t.Fatalf("expected story in newest, got %+v", newest)
	}
	if newest[0].IP != "" {
		t.Fatal("listing leaked submitter ip")
	}

	if err := bob.Delete(story); client.StatusOf(err) != http.StatusForbidden {
		t.Fatalf("expected non-author delete to be forbidden, got %v", err)
	}
	if err := alice.Delete(story); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, name := range []string{"newest", "best", "active"} {
		items, err := bob.Listing(name, 1)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(items) != 0 {
			t.Fatalf("expected deleted story to leave %s, got %+v", name, items)
		}
	}
	it, err := bob.GetItem(story)
	if err != nil {
		t.Fatalf("get deleted item: %v", err)
	}
	if !it.Deleted {
		t.Fatal("expected tombstoned record")
	}
}

func TestEndToEndThreadsAndModeration(t *testing.T) {
	b := startBoard(t, "file:e2e_threads_test?mode=memory&cache=shared")

	alice := b.user(t, "alice", "10.0.1.1")
	bob := b.user(t, "bob", "10.0.1.2")
	if err := b.auth.Promote(context.Background(), model.Actor{User: "system", Auth: model.AuthAdmin}, "bob", model.AuthEditor); err != nil {
		t.Fatalf("promote: %v", err)
	}

	story, err := alice.PostStory("Ask: favourite editors", "", "Which editor do you use?")
	if err != nil {
		t.Fatalf("post story: %v", err)
	}
	comment, err := bob.PostComment(story, "A plain one.")
	if err != nil {
		t.Fatalf("post comment: %v", err)
	}
	reply, err := alice.PostComment(comment, "Same here.")
	if err != nil {
		t.Fatalf("post reply: %v", err)
	}
	ids, err := bob.Subtree(story)
	if err != nil {
		t.Fatalf("subtree: %v", err)
	}
	if len(ids) != 2 || ids[0] != comment || ids[1] != reply {
		t.Fatalf("unexpected subtree %v", ids)
	}

	if _, err := alice.PostComment(9999, "orphan"); client.StatusOf(err) != http.StatusBadRequest {
		t.Fatalf("expected invalid parent to be rejected, got %v", err)
	}

	if err := bob.SetScrubRules([]model.ScrubRule{{Find: "darn", Replace: "d*rn"}}); err != nil {
		t.Fatalf("set scrub rules: %v", err)
	}
	scrubbed, err := alice.PostComment(story, "darn editors")
	if err != nil {
		t.Fatalf("post scrubbed comment: %v", err)
	}
	it, err := alice.GetItem(scrubbed)
	if err != nil {
		t.Fatalf("get scrubbed comment: %v", err)
	}
	if it.Text != "d*rn editors" {
		t.Fatalf("expected scrubbed text, got %q", it.Text)
	}

	if err := alice.Kill(reply); client.StatusOf(err) != http.StatusForbidden {
		t.Fatalf("expected kill by non-editor to be forbidden, got %v", err)
	}
	if err := bob.Kill(reply); err != nil {
		t.Fatalf("kill: %v", err)
	}
	comments, err := bob.Listing("newcomments", 1)
	if err != nil {
		t.Fatalf("newcomments: %v", err)
	}
	for _, c := range comments {
		if c.ID == reply {
			t.Fatal("dead comment listed")
		}
	}

	if _, err := alice.Listing("nonsense", 1); client.StatusOf(err) != http.StatusNotFound {
		t.Fatalf("expected unknown listing to be 404, got %v", err)
	}

	leaders, err := alice.Leaders(1)
	if err != nil {
		t.Fatalf("leaders: %v", err)
	}
	if len(leaders) != 2 {
		t.Fatalf("expected two leaders, got %+v", leaders)
	}
}
