package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/moderation"
	"github.com/alphabot-ai/newsboard/internal/rate"
	"github.com/alphabot-ai/newsboard/internal/store"
)

var (
	ErrInvalidParent     = errors.New("invalid parent")
	ErrRateLimited       = errors.New("rate limited")
	ErrNotEditable       = errors.New("item not editable")
	ErrInvalidSubmission = errors.New("invalid submission")
)

const maxDepth = 10000

type Service struct {
	store   store.Store
	gate    *moderation.Gate
	limiter rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(st store.Store, gate *moderation.Gate, limiter rate.Limiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, gate: gate, limiter: limiter, logger: logger, now: time.Now}
}

// Submission is a request to create an item.
type Submission struct {
	Type   model.ItemType
	By     string
	IP     string
	URL    string
	Title  string
	Text   string
	Parent int64
}

func key(id int64) string { return strconv.FormatInt(id, 10) }

func (s *Service) GetItem(ctx context.Context, id int64) (model.Item, error) {
	return store.Load[model.Item](ctx, s.store, store.Items, key(id))
}

// CreateItem stores a new item and links it under its parent. A zero id with
// a nil error means the submission was silently dropped by an ignore ban.
func (s *Service) CreateItem(ctx context.Context, sub Submission) (int64, error) {
	return s.create(ctx, sub, sub.Type != model.TypePollOpt)
}

// CreatePoll creates a poll and one option per entry of options.
func (s *Service) CreatePoll(ctx context.Context, sub Submission, options []string) (int64, []int64, error) {
	sub.Type = model.TypePoll
	var opts []string
	for _, o := range options {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, o)
		}
	}
	if len(opts) < 2 {
		return 0, nil, fmt.Errorf("%w: a poll needs at least two options", ErrInvalidSubmission)
	}
	pollID, err := s.create(ctx, sub, true)
	if err != nil || pollID == 0 {
		return pollID, nil, err
	}
	optIDs := make([]int64, 0, len(opts))
	for _, o := range opts {
		id, err := s.create(ctx, Submission{
			Type:   model.TypePollOpt,
			By:     sub.By,
			IP:     sub.IP,
			Text:   o,
			Parent: pollID,
		}, false)
		if err != nil {
			return pollID, optIDs, err
		}
		optIDs = append(optIDs, id)
	}
	return pollID, optIDs, nil
}

func (s *Service) create(ctx context.Context, sub Submission, throttle bool) (int64, error) {
	if err := checkShape(sub); err != nil {
		return 0, err
	}
	author, err := store.Load[model.Profile](ctx, s.store, store.Profiles, sub.By)
	if err != nil {
		return 0, fmt.Errorf("author %s: %w", sub.By, err)
	}

	ban, err := s.gate.Check(ctx, sub.IP, sub.URL)
	if err != nil {
		return 0, err
	}
	if ban == model.BanIgnore {
		s.logger.Info("submission dropped", "user", sub.By, "ip", sub.IP, "site", moderation.Site(sub.URL))
		return 0, nil
	}

	var parent model.Item
	if sub.Parent != 0 {
		parent, err = s.GetItem(ctx, sub.Parent)
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: item %d does not exist", ErrInvalidParent, sub.Parent)
		}
		if err != nil {
			return 0, err
		}
		if err := checkParent(sub, parent); err != nil {
			return 0, err
		}
	}

	if throttle {
		if err := s.checkThrottle(ctx, sub, author); err != nil {
			return 0, err
		}
	}

	if sub.Title, err = s.gate.Scrub(ctx, sub.Title); err != nil {
		return 0, err
	}
	if sub.Text, err = s.gate.Scrub(ctx, sub.Text); err != nil {
		return 0, err
	}

	id, err := s.store.NextID(ctx, store.Items)
	if err != nil {
		return 0, err
	}
	now := s.now().Unix()
	item := model.Item{
		ID:     id,
		Type:   sub.Type,
		By:     sub.By,
		IP:     sub.IP,
		Time:   now,
		URL:    sub.URL,
		Title:  sub.Title,
		Text:   sub.Text,
		Parent: sub.Parent,
		Dead:   ban == model.BanKill || author.Ignore,
	}

	keys := []store.Key{store.ItemKey(id), store.ProfileKey(sub.By)}
	if sub.Parent != 0 {
		keys = append(keys, store.ItemKey(sub.Parent))
	}
	err = s.store.Update(ctx, keys, func(tx store.Tx) error {
		author, err := store.LoadTx[model.Profile](ctx, tx, store.Profiles, sub.By)
		if err != nil {
			return err
		}
		if sub.Parent != 0 {
			parent, err := store.LoadTx[model.Item](ctx, tx, store.Items, key(sub.Parent))
			if err != nil {
				return err
			}
			if err := checkParent(sub, parent); err != nil {
				return err
			}
			if sub.Type == model.TypePollOpt {
				parent.Parts = append(parent.Parts, id)
			} else {
				parent.Kids = append(parent.Kids, id)
			}
			if err := tx.Put(store.Items, key(sub.Parent), &parent); err != nil {
				return err
			}
		}

		if item.Type != model.TypePollOpt {
			item.Votes = []model.ItemVote{{Time: now, IP: sub.IP, User: sub.By, Dir: model.Up, Score: author.Weight}}
			item.Score = author.Weight
			if author.Votes == nil {
				author.Votes = map[int64]model.VoteEntry{}
			}
			author.Votes[id] = model.VoteEntry{Dir: model.Up, Time: now}
		}
		n := float64(len(author.Submitted))
		author.Avg = (author.Avg*n + item.Score) / (n + 1)
		author.Submitted = append(author.Submitted, id)

		if err := tx.Put(store.Items, key(id), &item); err != nil {
			return err
		}
		return tx.Put(store.Profiles, sub.By, &author)
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("item created", "item", id, "type", sub.Type, "user", sub.By, "dead", item.Dead)
	return id, nil
}

func checkShape(sub Submission) error {
	switch sub.Type {
	case model.TypeStory, model.TypePoll:
		if strings.TrimSpace(sub.Title) == "" {
			return fmt.Errorf("%w: title required", ErrInvalidSubmission)
		}
		if sub.Parent != 0 {
			return fmt.Errorf("%w: %s cannot have a parent", ErrInvalidParent, sub.Type)
		}
	case model.TypeComment, model.TypePollOpt:
		if strings.TrimSpace(sub.Text) == "" {
			return fmt.Errorf("%w: text required", ErrInvalidSubmission)
		}
		if sub.Parent == 0 {
			return fmt.Errorf("%w: %s needs a parent", ErrInvalidParent, sub.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSubmission, sub.Type)
	}
	if sub.URL != "" && sub.Type != model.TypeStory {
		return fmt.Errorf("%w: only stories carry a url", ErrInvalidSubmission)
	}
	return nil
}

func checkParent(sub Submission, parent model.Item) error {
	if parent.Deleted {
		return fmt.Errorf("%w: item %d is deleted", ErrInvalidParent, parent.ID)
	}
	switch sub.Type {
	case model.TypeComment:
		if parent.Type == model.TypePollOpt || parent.Type == model.TypeStory ||
			parent.Type == model.TypeComment || parent.Type == model.TypePoll {
			return nil
		}
	case model.TypePollOpt:
		if parent.Type != model.TypePoll {
			break
		}
		if parent.By != sub.By {
			return fmt.Errorf("%w: only the poll author adds options", ErrInvalidParent)
		}
		return nil
	}
	return fmt.Errorf("%w: %s cannot attach to %s", ErrInvalidParent, sub.Type, parent.Type)
}

func (s *Service) checkThrottle(ctx context.Context, sub Submission, author model.Profile) error {
	if s.limiter != nil && sub.IP != "" {
		if ok, retry := s.limiter.Allow("submit:" + sub.IP); !ok {
			return fmt.Errorf("%w: retry in %s", ErrRateLimited, retry.Round(time.Second))
		}
	}
	if author.Delay <= 0 || len(author.Submitted) == 0 {
		return nil
	}
	last, err := s.GetItem(ctx, author.Submitted[len(author.Submitted)-1])
	if err != nil {
		return err
	}
	wait := time.Duration(author.Delay) * time.Second
	if elapsed := s.now().Sub(time.Unix(last.Time, 0)); elapsed < wait {
		return fmt.Errorf("%w: retry in %s", ErrRateLimited, (wait - elapsed).Round(time.Second))
	}
	return nil
}

// Descendants lists the ids below root depth-first, keeping kids order at
// every level. Items lookup cannot find are skipped.
func Descendants(root model.Item, lookup func(id int64) (model.Item, bool)) []int64 {
	var out []int64
	var walk func(it model.Item, depth int)
	walk = func(it model.Item, depth int) {
		if depth > maxDepth {
			return
		}
		for _, kid := range it.Kids {
			out = append(out, kid)
			if k, ok := lookup(kid); ok {
				walk(k, depth+1)
			}
		}
	}
	walk(root, 0)
	return out
}

func (s *Service) Subtree(ctx context.Context, id int64) ([]int64, error) {
	root, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	var loadErr error
	ids := Descendants(root, func(kid int64) (model.Item, bool) {
		if loadErr != nil {
			return model.Item{}, false
		}
		it, err := s.GetItem(ctx, kid)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				loadErr = err
			}
			return model.Item{}, false
		}
		return it, true
	})
	if loadErr != nil {
		return nil, loadErr
	}
	return ids, nil
}

// Ancestors returns the chain from the immediate parent up to the root.
func (s *Service) Ancestors(ctx context.Context, id int64) ([]int64, error) {
	it, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	var chain []int64
	for it.Parent != 0 && len(chain) < maxDepth {
		if slices.Contains(chain, it.Parent) {
			return nil, fmt.Errorf("cycle at item %d", it.Parent)
		}
		chain = append(chain, it.Parent)
		if it, err = s.GetItem(ctx, it.Parent); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

// Root returns the top-level story or poll an item belongs to.
func (s *Service) Root(ctx context.Context, id int64) (int64, error) {
	chain, err := s.Ancestors(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(chain) == 0 {
		return id, nil
	}
	return chain[len(chain)-1], nil
}

// Threads returns the user's comment threads, newest first. Each thread is
// the comment followed by its subtree; replies to the user's own comments
// are already inside the parent's thread and are not repeated.
func (s *Service) Threads(ctx context.Context, user string) ([][]int64, error) {
	p, err := store.Load[model.Profile](ctx, s.store, store.Profiles, user)
	if err != nil {
		return nil, err
	}
	var threads [][]int64
	for i := len(p.Submitted) - 1; i >= 0; i-- {
		it, err := s.GetItem(ctx, p.Submitted[i])
		if err != nil {
			return nil, err
		}
		if it.Type != model.TypeComment || it.Deleted {
			continue
		}
		parent, err := s.GetItem(ctx, it.Parent)
		if err == nil && parent.Type == model.TypeComment && parent.By == user {
			continue
		}
		kids, err := s.Subtree(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		threads = append(threads, append([]int64{it.ID}, kids...))
	}
	return threads, nil
}

// CanEdit reports whether actor may edit the item: editors always, authors
// while nobody has replied and no ancestor has been deleted.
func (s *Service) CanEdit(ctx context.Context, actor model.Actor, id int64) (bool, error) {
	it, err := s.GetItem(ctx, id)
	if err != nil {
		return false, err
	}
	if it.Deleted {
		return false, nil
	}
	if actor.IsEditor() {
		return true, nil
	}
	if it.By != actor.User || len(it.Kids) > 0 {
		return false, nil
	}
	chain, err := s.Ancestors(ctx, id)
	if err != nil {
		return false, err
	}
	for _, a := range chain {
		anc, err := s.GetItem(ctx, a)
		if err != nil {
			return false, err
		}
		if anc.Deleted {
			return false, nil
		}
	}
	return true, nil
}

// Edit replaces the title (stories and polls) and text of an item.
func (s *Service) Edit(ctx context.Context, actor model.Actor, id int64, title, text string) error {
	ok, err := s.CanEdit(ctx, actor, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEditable
	}
	if title, err = s.gate.Scrub(ctx, title); err != nil {
		return err
	}
	if text, err = s.gate.Scrub(ctx, text); err != nil {
		return err
	}
	return store.Mutate(ctx, s.store, store.Items, key(id), func(it *model.Item, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		if !actor.IsEditor() && len(it.Kids) > 0 {
			return ErrNotEditable
		}
		if it.IsStoryLike() {
			if strings.TrimSpace(title) == "" {
				return fmt.Errorf("%w: title required", ErrInvalidSubmission)
			}
			it.Title = title
		}
		it.Text = text
		return nil
	})
}
