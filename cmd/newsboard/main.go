package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/alphabot-ai/newsboard/internal/auth"
	"github.com/alphabot-ai/newsboard/internal/client"
	"github.com/alphabot-ai/newsboard/internal/config"
	httpapp "github.com/alphabot-ai/newsboard/internal/http"
	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/moderation"
	"github.com/alphabot-ai/newsboard/internal/rank"
	"github.com/alphabot-ai/newsboard/internal/rate"
	"github.com/alphabot-ai/newsboard/internal/store"
	"github.com/alphabot-ai/newsboard/internal/store/sqlite"
	"github.com/alphabot-ai/newsboard/internal/tree"
	"github.com/alphabot-ai/newsboard/internal/vote"
)

// siteActor applies the site file and admin list at startup.
var siteActor = model.Actor{User: "site", Auth: model.AuthAdmin}

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		os.Exit(runServer(os.Args[1:]))
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "server", "serve":
		os.Exit(runServer(args))
	case "read", "list":
		err = cmdRead(args)
	case "leaders":
		err = cmdLeaders(args)
	case "post", "submit":
		err = cmdPost(args)
	case "comment":
		err = cmdComment(args)
	case "vote":
		err = cmdVote(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`newsboard - community discussion board

Usage: newsboard <command> [options]

Server:
  server              Start the board (default if no command; --help lists flags)

Client Commands (NEWSBOARD_URL, NEWSBOARD_USER, NEWSBOARD_PASSWORD):
  read                Print a listing (--listing best|newest|active|newcomments|noobstories|noobcomments)
  leaders             Print the karma leaderboard
  post                Submit a story (--title, --link or --text)
  comment             Reply to an item (--parent, --text)
  vote                Vote on an item (--item, --down)`)
}

func runServer(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if cfg == nil {
		return 0
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	st, err := sqlite.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to open db", "path", cfg.DBPath, "error", err)
		return 1
	}
	defer st.Close()

	gate := moderation.NewGate(st, logger)
	site, err := config.LoadSite(cfg.SiteFile)
	if err != nil {
		logger.Error("failed to load site file", "error", err)
		return 1
	}
	if err := applySite(context.Background(), gate, site); err != nil {
		logger.Error("failed to apply site file", "error", err)
		return 1
	}

	authSvc := auth.NewService(st, cfg.TokenTTL, cfg.EditorWeight, logger)
	authSvc.SetAdmins(cfg.Admins)
	if err := promoteAdmins(context.Background(), authSvc, cfg.Admins, logger); err != nil {
		logger.Error("failed to promote admins", "error", err)
		return 1
	}

	submitLimiter := rate.PerMinute(cfg.Throttle.SubmitPerMinute)
	voteLimiter := rate.PerMinute(cfg.Throttle.VotePerMinute)
	flagLimiter := rate.PerMinute(cfg.Throttle.FlagPerMinute)
	stop := make(chan struct{})
	defer close(stop)
	for _, l := range []*rate.KeyedLimiter{submitLimiter, voteLimiter, flagLimiter} {
		go l.Run(10*time.Minute, stop)
	}

	server := httpapp.NewServer(httpapp.Services{
		Auth: authSvc,
		Tree: tree.NewService(st, gate, submitLimiter, logger),
		Votes: vote.NewProcessor(st, gate,
			vote.IPCluster{Window: cfg.Voting.SockWindow, Ring: cfg.Voting.SockRing},
			vote.Options{
				DownvoteThreshold: cfg.Voting.DownvoteThreshold,
				HistoryWindow:     cfg.Voting.HistoryWindow,
			}, logger),
		Rank: rank.NewEngine(st, rank.Options{
			PageSize:  cfg.Ranking.PageSize,
			Gravity:   cfg.Ranking.Gravity,
			Offset:    cfg.Ranking.Offset,
			NoobKarma: cfg.Ranking.NoobKarma,
			NoobAge:   cfg.Ranking.NoobAge,
		}, logger),
		Gate: gate,
	}, httpapp.Options{Vote: voteLimiter, Flag: flagLimiter, TrustProxy: cfg.TrustProxy}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("newsboard listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-errCh:
		logger.Error("server error", "error", err)
		return 1
	}
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	return 0
}

// applySite loads the optional site file into the store.
func applySite(ctx context.Context, gate *moderation.Gate, site *config.Site) error {
	if site.Config != nil {
		if err := gate.SetSiteConfig(ctx, siteActor, *site.Config); err != nil {
			return err
		}
	}
	if site.ScrubRules != nil {
		if err := gate.SetScrubRules(ctx, siteActor, site.ScrubRules); err != nil {
			return err
		}
	}
	for target, kind := range site.BannedSites {
		if err := gate.BanSite(ctx, siteActor, target, model.BanKind(strings.ToLower(kind)), "site file"); err != nil {
			return fmt.Errorf("ban site %s: %w", target, err)
		}
	}
	for target, kind := range site.BannedIPs {
		if err := gate.BanIP(ctx, siteActor, target, model.BanKind(strings.ToLower(kind)), "site file"); err != nil {
			return fmt.Errorf("ban ip %s: %w", target, err)
		}
	}
	return nil
}

// promoteAdmins raises existing accounts to admin. Names without an account
// yet become admins when they register.
func promoteAdmins(ctx context.Context, svc *auth.Service, names []string, logger *slog.Logger) error {
	for _, name := range names {
		err := svc.Promote(ctx, siteActor, name, model.AuthAdmin)
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("admin has no account yet", "user", name)
			continue
		}
		if err != nil {
			return fmt.Errorf("promote %s: %w", name, err)
		}
	}
	return nil
}

// ============================================================================
// CLIENT COMMANDS
// ============================================================================

// ClientOptions are shared by the client commands.
type ClientOptions struct {
	URL      string `long:"url" env:"NEWSBOARD_URL" default:"http://localhost:8080" description:"Board URL"`
	User     string `long:"user" env:"NEWSBOARD_USER" description:"Account name"`
	Password string `long:"password" env:"NEWSBOARD_PASSWORD" description:"Account password"`
}

func (o ClientOptions) client(signIn bool) (*client.Client, error) {
	c := client.New(strings.TrimSuffix(o.URL, "/"))
	if !signIn {
		return c, nil
	}
	if o.User == "" || o.Password == "" {
		return nil, errors.New("--user and --password (or NEWSBOARD_USER and NEWSBOARD_PASSWORD) are required")
	}
	if err := c.Login(o.User, o.Password); err != nil {
		return nil, err
	}
	return c, nil
}

func parse(opts any, args []string) error {
	_, err := flags.ParseArgs(opts, args)
	return err
}

func cmdRead(args []string) error {
	var opts struct {
		ClientOptions
		Listing string `long:"listing" default:"best" description:"Listing name"`
		Page    int    `long:"page" default:"1" description:"Page number"`
	}
	if err := parse(&opts, args); err != nil {
		return err
	}
	c, err := opts.client(false)
	if err != nil {
		return err
	}
	items, err := c.Listing(opts.Listing, opts.Page)
	if err != nil {
		return err
	}
	fmt.Printf("\n%s (page %d)\n\n", opts.Listing, opts.Page)
	for i, it := range items {
		title := it.Title
		if title == "" {
			title = it.Text
		}
		fmt.Printf("%d. %s\n", i+1, title)
		fmt.Printf("   %.1f pts | by %s | #%d\n\n", it.Score, it.By, it.ID)
	}
	return nil
}

func cmdLeaders(args []string) error {
	var opts struct {
		ClientOptions
		Page int `long:"page" default:"1" description:"Page number"`
	}
	if err := parse(&opts, args); err != nil {
		return err
	}
	c, err := opts.client(false)
	if err != nil {
		return err
	}
	users, err := c.Leaders(opts.Page)
	if err != nil {
		return err
	}
	for i, u := range users {
		fmt.Printf("%3d. %-15s %8.1f\n", i+1, u.ID, u.Karma)
	}
	return nil
}

func cmdPost(args []string) error {
	var opts struct {
		ClientOptions
		Title string `long:"title" required:"true" description:"Story title"`
		URL   string `long:"link" description:"Link URL"`
		Text  string `long:"text" description:"Text body"`
	}
	if err := parse(&opts, args); err != nil {
		return err
	}
	c, err := opts.client(true)
	if err != nil {
		return err
	}
	id, err := c.PostStory(opts.Title, opts.URL, opts.Text)
	if err != nil {
		return err
	}
	if id == 0 {
		fmt.Println("Submitted.")
		return nil
	}
	fmt.Printf("✓ Posted #%d: %s\n", id, opts.Title)
	return nil
}

func cmdComment(args []string) error {
	var opts struct {
		ClientOptions
		Parent int64  `long:"parent" required:"true" description:"Item to reply to"`
		Text   string `long:"text" required:"true" description:"Comment text"`
	}
	if err := parse(&opts, args); err != nil {
		return err
	}
	c, err := opts.client(true)
	if err != nil {
		return err
	}
	id, err := c.PostComment(opts.Parent, opts.Text)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Comment #%d on #%d\n", id, opts.Parent)
	return nil
}

func cmdVote(args []string) error {
	var opts struct {
		ClientOptions
		Item int64 `long:"item" required:"true" description:"Item to vote on"`
		Down bool  `long:"down" description:"Vote down instead of up"`
	}
	if err := parse(&opts, args); err != nil {
		return err
	}
	c, err := opts.client(true)
	if err != nil {
		return err
	}
	dir := model.Up
	if opts.Down {
		dir = model.Down
	}
	if err := c.Vote(opts.Item, dir); err != nil {
		return err
	}
	fmt.Printf("✓ Voted %s on #%d\n", dir, opts.Item)
	return nil
}
