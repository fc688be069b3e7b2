// Package vote is the only writer of item scores, karma and per-user vote
// indexes.
package vote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/moderation"
	"github.com/alphabot-ai/newsboard/internal/store"
)

var (
	ErrIneligible        = errors.New("ineligible vote")
	ErrBanned            = errors.New("banned")
	ErrInsufficientKarma = errors.New("insufficient karma")
)

type Request struct {
	Voter string
	Item  int64
	Dir   model.Direction
	IP    string
}

// Result describes the effect of a vote. Changed is false for repeats and
// silently dropped votes.
type Result struct {
	Item    int64
	Dir     model.Direction
	Applied float64
	Score   float64
	Sock    bool
	Changed bool
}

type Options struct {
	// DownvoteThreshold is the karma a voter needs to vote down.
	DownvoteThreshold float64
	// HistoryWindow bounds the session and submission ips fed to the
	// detector. Zero keeps all of them.
	HistoryWindow time.Duration
}

type Processor struct {
	store    store.Store
	gate     *moderation.Gate
	detector Detector
	history  History
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessor(st store.Store, gate *moderation.Gate, detector Detector, opts Options, logger *slog.Logger) *Processor {
	if detector == nil {
		detector = Never
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		store:    st,
		gate:     gate,
		detector: detector,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
	p.history = StoreHistory{Store: st, Window: opts.HistoryWindow, Now: func() time.Time { return p.now() }}
	return p
}

// Vote casts, repeats or reverses a vote. Item score, the voter's vote index
// and the author's karma change in one store transaction.
func (p *Processor) Vote(ctx context.Context, req Request) (Result, error) {
	res := Result{Item: req.Item, Dir: req.Dir}
	if req.Dir != model.Up && req.Dir != model.Down {
		return res, fmt.Errorf("%w: direction %q", ErrIneligible, req.Dir)
	}
	id := strconv.FormatInt(req.Item, 10)

	item, err := store.Load[model.Item](ctx, p.store, store.Items, id)
	if errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("%w: item %d does not exist", ErrIneligible, req.Item)
	}
	if err != nil {
		return res, err
	}
	if err := eligible(item, req); err != nil {
		return res, err
	}
	author := item.By

	ban, err := p.gate.Check(ctx, req.IP, item.URL)
	if err != nil {
		return res, err
	}
	switch ban {
	case model.BanKill:
		return res, ErrBanned
	case model.BanIgnore:
		p.logger.Info("vote dropped", "item", req.Item, "user", req.Voter, "ip", req.IP)
		res.Score = item.Score
		return res, nil
	}

	voterIPs, err := p.history.IPs(ctx, req.Voter)
	if errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("%w: no profile for %s", ErrIneligible, req.Voter)
	}
	if err != nil {
		return res, err
	}
	authorIPs, err := p.history.IPs(ctx, author)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return res, err
	}

	now := p.now().Unix()
	keys := []store.Key{store.ItemKey(req.Item), store.ProfileKey(req.Voter), store.ProfileKey(author)}
	err = p.store.Update(ctx, keys, func(tx store.Tx) error {
		item, err := store.LoadTx[model.Item](ctx, tx, store.Items, id)
		if err != nil {
			return err
		}
		if err := eligible(item, req); err != nil {
			return err
		}
		voter, err := store.LoadTx[model.Profile](ctx, tx, store.Profiles, req.Voter)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no profile for %s", ErrIneligible, req.Voter)
		}
		if err != nil {
			return err
		}

		prev, voted := voter.Votes[req.Item]
		if voted && prev.Dir == req.Dir {
			res.Score = item.Score
			return nil
		}
		if req.Dir == model.Down && voter.Karma < p.opts.DownvoteThreshold {
			return fmt.Errorf("%w: need %g karma to vote down", ErrInsufficientKarma, p.opts.DownvoteThreshold)
		}

		sock := p.detector.IsSock(Evidence{
			Voter:     req.Voter,
			Author:    author,
			IP:        req.IP,
			Time:      now,
			VoterIPs:  voterIPs,
			AuthorIPs: authorIPs,
			Prior:     item.Votes,
		})
		applied := voter.Weight * req.Dir.Sign()
		if sock || voter.Ignore {
			applied = 0
		}

		cast := model.ItemVote{Time: now, IP: req.IP, User: req.Voter, Dir: req.Dir, Score: applied, Sock: sock}
		delta := applied
		if i := item.VoteBy(req.Voter); i >= 0 {
			old := item.Votes[i]
			delta -= old.Score
			if old.Sock {
				item.Sockvotes--
			}
			item.Votes[i] = cast
		} else {
			item.Votes = append(item.Votes, cast)
		}
		if sock {
			item.Sockvotes++
		}
		item.Score += delta

		if voter.Votes == nil {
			voter.Votes = map[int64]model.VoteEntry{}
		}
		voter.Votes[req.Item] = model.VoteEntry{Dir: req.Dir, Time: now}

		if err := tx.Put(store.Items, id, &item); err != nil {
			return err
		}
		if err := tx.Put(store.Profiles, req.Voter, &voter); err != nil {
			return err
		}
		if delta != 0 {
			owner, err := store.LoadTx[model.Profile](ctx, tx, store.Profiles, author)
			switch {
			case err == nil:
				owner.Karma += delta
				if n := len(owner.Submitted); n > 0 {
					owner.Avg += delta / float64(n)
				}
				if err := tx.Put(store.Profiles, author, &owner); err != nil {
					return err
				}
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		res.Applied = applied
		res.Score = item.Score
		res.Sock = sock
		res.Changed = true
		return nil
	})
	if err != nil {
		return Result{Item: req.Item, Dir: req.Dir}, err
	}
	if res.Changed {
		p.logger.Debug("vote applied", "item", req.Item, "user", req.Voter, "dir", req.Dir, "applied", res.Applied, "sock", res.Sock)
	}
	return res, nil
}

func eligible(item model.Item, req Request) error {
	switch {
	case item.Deleted:
		return fmt.Errorf("%w: item %d is deleted", ErrIneligible, item.ID)
	case item.By == req.Voter:
		return fmt.Errorf("%w: cannot vote on your own item", ErrIneligible)
	case item.Type == model.TypePollOpt && req.Dir == model.Down:
		return fmt.Errorf("%w: poll options only take up-votes", ErrIneligible)
	}
	return nil
}
