package vote

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/store"
)

// Evidence is everything a Detector may look at for one vote.
type Evidence struct {
	Voter     string
	Author    string
	IP        string
	Time      int64
	VoterIPs  []string
	AuthorIPs []string
	// Prior holds the votes already recorded on the target item.
	Prior []model.ItemVote
}

// Detector decides whether a vote is a probable sockpuppet vote.
type Detector interface {
	IsSock(ev Evidence) bool
}

type DetectorFunc func(ev Evidence) bool

func (f DetectorFunc) IsSock(ev Evidence) bool { return f(ev) }

// Never is a Detector that suspects nobody.
var Never = DetectorFunc(func(Evidence) bool { return false })

// IPCluster flags a vote when the voter shares an ip with the author, or
// when Ring other accounts already voted on the item from the vote's ip
// within Window.
type IPCluster struct {
	Window time.Duration
	Ring   int
}

func (c IPCluster) IsSock(ev Evidence) bool {
	if ev.IP != "" && slices.Contains(ev.AuthorIPs, ev.IP) {
		return true
	}
	for _, ip := range ev.VoterIPs {
		if ip != "" && slices.Contains(ev.AuthorIPs, ip) {
			return true
		}
	}
	if c.Ring <= 0 || ev.IP == "" {
		return false
	}
	since := ev.Time - int64(c.Window/time.Second)
	seen := 0
	for _, v := range ev.Prior {
		if v.User == ev.Voter || v.User == ev.Author || v.IP != ev.IP || v.Time < since {
			continue
		}
		seen++
	}
	return seen >= c.Ring
}

// History supplies the ips an account has recently used.
type History interface {
	IPs(ctx context.Context, user string) ([]string, error)
}

// StoreHistory collects ips from the user's live sessions and from their most
// recent submissions. With a Window, sessions created and items submitted
// before now-Window are left out.
type StoreHistory struct {
	Store  store.Reader
	Recent int
	Window time.Duration
	Now    func() time.Time
}

func (h StoreHistory) IPs(ctx context.Context, user string) ([]string, error) {
	var ips []string
	add := func(ip string) {
		if ip != "" && !slices.Contains(ips, ip) {
			ips = append(ips, ip)
		}
	}
	var since int64
	if h.Window > 0 {
		now := time.Now
		if h.Now != nil {
			now = h.Now
		}
		since = now().Add(-h.Window).Unix()
	}

	err := h.Store.Scan(ctx, store.Sessions, func(_ string, decode func(dest any) error) error {
		var s model.Session
		if err := decode(&s); err != nil {
			return err
		}
		if s.User == user && !s.Revoked && s.Created >= since {
			add(s.IP)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p, err := store.Load[model.Profile](ctx, h.Store, store.Profiles, user)
	if err != nil {
		return nil, err
	}
	recent := h.Recent
	if recent <= 0 {
		recent = 20
	}
	subs := p.Submitted
	if len(subs) > recent {
		subs = subs[len(subs)-recent:]
	}
	for _, id := range subs {
		it, err := store.Load[model.Item](ctx, h.Store, store.Items, strconv.FormatInt(id, 10))
		if err != nil {
			return nil, err
		}
		if it.Time >= since {
			add(it.IP)
		}
	}
	return ips, nil
}
