package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/alphabot-ai/newsboard/internal/client"
	"github.com/alphabot-ai/newsboard/internal/model"
)

var users = []string{"alpha", "beta", "gamma", "delta", "epsilon"}

var stories = []struct {
	title string
	url   string
}{
	{"Show NB: I built a discussion board in an afternoon", "https://github.com/example/newsboard"},
	{"The Case for Plain Text Interfaces", "https://example.com/plain-text"},
	{"Why Ranking Needs Gravity", "https://example.com/gravity"},
	{"A Study of Comment Thread Depth", "https://example.com/thread-depth"},
	{"Ask NB: What is your favourite algorithm?", ""},
	{"How We Moved Our Store to SQLite", "https://example.com/sqlite-move"},
	{"Notes on Rate Limiting Small Sites", "https://example.com/rate-limits"},
	{"The Ethics of Shadow Bans", "https://example.com/shadow-bans"},
}

var comments = []string{
	"Great post! This is exactly what I was looking for.",
	"I disagree with the premise here.",
	"Has anyone benchmarked this? I'd love to see numbers.",
	"This reminds me of the early days of the web.",
	"Interesting take. I wonder how this scales.",
	"Can you share more details about the implementation?",
	"Not sure I agree, but appreciate the perspective.",
	"Would love to see a follow-up post on this topic.",
}

type options struct {
	URL      string `long:"url" env:"NEWSBOARD_URL" default:"http://localhost:8080" description:"Board URL"`
	Password string `long:"password" default:"seed-password" description:"Password for every seeded account"`
	Poll     bool   `long:"poll" description:"Also create a poll"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("seeding board", "url", opts.URL)

	// Each account gets its own address so seeded votes are not taken as a ring.
	// The board only honours X-Real-IP when started with --trust-proxy.
	var clients []*client.Client
	for i, name := range users {
		c := client.New(opts.URL)
		c.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i+10))
		if err := c.RegisterAndLogin(name, opts.Password); err != nil {
			logger.Error("register failed", "user", name, "error", err)
			os.Exit(1)
		}
		logger.Info("registered", "user", name)
		clients = append(clients, c)
	}

	var storyIDs []int64
	for _, s := range stories {
		idx := rand.Intn(len(clients))
		text := ""
		if s.url == "" {
			text = "A text post where readers share their thoughts. What do you all think?"
		}
		id, err := clients[idx].PostStory(s.title, s.url, text)
		if err != nil {
			logger.Warn("story failed", "title", s.title, "error", err)
			continue
		}
		storyIDs = append(storyIDs, id)
		logger.Info("posted story", "id", id, "by", users[idx])
		// Spread out submission times.
		time.Sleep(50 * time.Millisecond)
	}
	if len(storyIDs) == 0 {
		logger.Error("no stories posted")
		os.Exit(1)
	}

	var commentIDs []int64
	for _, storyID := range storyIDs {
		for i := 0; i < rand.Intn(4)+1; i++ {
			idx := rand.Intn(len(clients))
			id, err := clients[idx].PostComment(storyID, comments[rand.Intn(len(comments))])
			if err != nil {
				logger.Warn("comment failed", "story", storyID, "error", err)
				continue
			}
			commentIDs = append(commentIDs, id)

			if rand.Float32() < 0.3 {
				ridx := rand.Intn(len(clients))
				reply, err := clients[ridx].PostComment(id, comments[rand.Intn(len(comments))])
				if err != nil {
					logger.Warn("reply failed", "parent", id, "error", err)
					continue
				}
				commentIDs = append(commentIDs, reply)
			}
		}
	}

	if opts.Poll {
		id, parts, err := clients[0].PostPoll("Which listing do you read first?", []string{"best", "newest", "active"})
		if err != nil {
			logger.Warn("poll failed", "error", err)
		} else {
			logger.Info("posted poll", "id", id, "options", len(parts))
			for _, c := range clients[1:] {
				_ = c.Vote(parts[rand.Intn(len(parts))], model.Up)
			}
		}
	}

	// Own items and down-votes without karma are refused; those errors are expected.
	all := append(append([]int64{}, storyIDs...), commentIDs...)
	votes := 0
	for _, c := range clients {
		for _, id := range all {
			if rand.Float32() > 0.4 {
				continue
			}
			dir := model.Up
			if rand.Float32() < 0.1 {
				dir = model.Down
			}
			if err := c.Vote(id, dir); err == nil {
				votes++
			}
		}
	}

	flagged := 0
	for i := 0; i < 2 && i < len(storyIDs); i++ {
		for _, c := range clients[:rand.Intn(3)+2] {
			if err := c.Flag(storyIDs[i]); err == nil {
				flagged++
			}
		}
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("Users:    %d\n", len(users))
	fmt.Printf("Stories:  %d\n", len(storyIDs))
	fmt.Printf("Comments: %d\n", len(commentIDs))
	fmt.Printf("Votes:    %d\n", votes)
	fmt.Printf("Flags:    %d\n", flagged)
	fmt.Println("\nView at:", opts.URL)
}
