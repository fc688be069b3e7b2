// Package moderation holds ban lookups, text scrubbing and the
// flag/kill/delete workflow applied at submission and listing time.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/store"
)

var ErrForbidden = errors.New("forbidden")

type Gate struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewGate(st store.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, logger: logger, now: time.Now}
}

// Site returns the bannable site of a submission url: the lower-cased
// host without a leading "www.". Unparseable urls have no site.
func Site(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// IPBan returns the ban on ip, matching an exact entry first and then any
// CIDR block entry. The empty kind means not banned.
func (g *Gate) IPBan(ctx context.Context, ip string) (model.BanKind, error) {
	if ip == "" {
		return "", nil
	}
	ban, err := store.Load[model.Ban](ctx, g.store, store.BannedIPs, ip)
	if err == nil {
		return ban.Ban, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		return "", nil
	}
	var kind model.BanKind
	err = g.store.Scan(ctx, store.BannedIPs, func(key string, decode func(dest any) error) error {
		if !strings.Contains(key, "/") {
			return nil
		}
		_, subnet, err := net.ParseCIDR(key)
		if err != nil || !subnet.Contains(addr) {
			return nil
		}
		var b model.Ban
		if err := decode(&b); err != nil {
			return err
		}
		kind = worse(kind, b.Ban)
		return nil
	})
	return kind, err
}

func (g *Gate) SiteBan(ctx context.Context, site string) (model.BanKind, error) {
	if site == "" {
		return "", nil
	}
	ban, err := store.Load[model.Ban](ctx, g.store, store.BannedSites, site)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ban.Ban, nil
}

// Check combines the ip ban and the site ban of rawURL. An ignore ban
// outranks a kill ban so shadow-blocked actors never see a rejection.
func (g *Gate) Check(ctx context.Context, ip, rawURL string) (model.BanKind, error) {
	ipKind, err := g.IPBan(ctx, ip)
	if err != nil {
		return "", err
	}
	siteKind, err := g.SiteBan(ctx, Site(rawURL))
	if err != nil {
		return "", err
	}
	return worse(ipKind, siteKind), nil
}

func worse(a, b model.BanKind) model.BanKind {
	if a == model.BanIgnore || b == model.BanIgnore {
		return model.BanIgnore
	}
	if a == model.BanKill || b == model.BanKill {
		return model.BanKill
	}
	return ""
}

// BanIP bans an ip address or CIDR block.
func (g *Gate) BanIP(ctx context.Context, editor model.Actor, ip string, kind model.BanKind, info string) error {
	if !editor.IsEditor() {
		return ErrForbidden
	}
	if net.ParseIP(ip) == nil {
		if _, _, err := net.ParseCIDR(ip); err != nil {
			return fmt.Errorf("%w: invalid ip %q", store.ErrSchemaViolation, ip)
		}
	}
	ban := model.Ban{Ban: kind, User: editor.User, Time: g.now().Unix(), Info: info}
	if err := g.store.Put(ctx, store.BannedIPs, ip, ban); err != nil {
		return err
	}
	g.logger.Info("ip banned", "ip", ip, "ban", kind, "by", editor.User)
	return nil
}

func (g *Gate) BanSite(ctx context.Context, editor model.Actor, site string, kind model.BanKind, info string) error {
	if !editor.IsEditor() {
		return ErrForbidden
	}
	site = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(site)), "www.")
	if site == "" {
		return fmt.Errorf("%w: empty site", store.ErrSchemaViolation)
	}
	ban := model.Ban{Ban: kind, User: editor.User, Time: g.now().Unix(), Info: info}
	if err := g.store.Put(ctx, store.BannedSites, site, ban); err != nil {
		return err
	}
	g.logger.Info("site banned", "site", site, "ban", kind, "by", editor.User)
	return nil
}

// BannedSites returns the site -> ban kind table, for listing-time filtering.
func (g *Gate) BannedSites(ctx context.Context) (map[string]model.BanKind, error) {
	out := make(map[string]model.BanKind)
	err := g.store.Scan(ctx, store.BannedSites, func(key string, decode func(dest any) error) error {
		var b model.Ban
		if err := decode(&b); err != nil {
			return err
		}
		out[key] = b.Ban
		return nil
	})
	return out, err
}

// ScrubRules returns the ordered rule list; absent means no rules.
func (g *Gate) ScrubRules(ctx context.Context) ([]model.ScrubRule, error) {
	rules, err := store.Load[model.ScrubRules](ctx, g.store, store.ScrubRules, store.ScrubRulesKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rules.Rules, nil
}

func (g *Gate) SetScrubRules(ctx context.Context, editor model.Actor, rules []model.ScrubRule) error {
	if !editor.IsEditor() {
		return ErrForbidden
	}
	if err := g.store.Put(ctx, store.ScrubRules, store.ScrubRulesKey, model.ScrubRules{Rules: rules}); err != nil {
		return err
	}
	g.logger.Info("scrub rules replaced", "rules", len(rules), "by", editor.User)
	return nil
}

// Scrub passes s through the rule list once, in order.
func (g *Gate) Scrub(ctx context.Context, s string) (string, error) {
	rules, err := g.ScrubRules(ctx)
	if err != nil {
		return "", err
	}
	return ApplyScrub(rules, s), nil
}

// ApplyScrub replaces every occurrence of each rule's find string, one rule
// at a time. Text produced by a rule is only seen by the rules after it.
func ApplyScrub(rules []model.ScrubRule, s string) string {
	for _, r := range rules {
		if r.Find == "" {
			continue
		}
		s = strings.ReplaceAll(s, r.Find, r.Replace)
	}
	return s
}

func itemID(id int64) string { return strconv.FormatInt(id, 10) }

// Flag adds user to the item's flag set. Flags never kill on their own.
func (g *Gate) Flag(ctx context.Context, actor model.Actor, id int64) error {
	return store.Mutate(ctx, g.store, store.Items, itemID(id), func(it *model.Item, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		if it.By == actor.User {
			return ErrForbidden
		}
		if !slices.Contains(it.Flags, actor.User) {
			it.Flags = append(it.Flags, actor.User)
		}
		return nil
	})
}

func (g *Gate) Unflag(ctx context.Context, actor model.Actor, id int64) error {
	return store.Mutate(ctx, g.store, store.Items, itemID(id), func(it *model.Item, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		it.Flags = slices.DeleteFunc(it.Flags, func(u string) bool { return u == actor.User })
		return nil
	})
}

// Kill marks an item dead. Items carrying the "nokill" key need an admin.
func (g *Gate) Kill(ctx context.Context, editor model.Actor, id int64) error {
	if !editor.IsEditor() {
		return ErrForbidden
	}
	err := store.Mutate(ctx, g.store, store.Items, itemID(id), func(it *model.Item, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		if it.HasKey("nokill") && !editor.IsAdmin() {
			return ErrForbidden
		}
		it.Dead = true
		return nil
	})
	if err == nil {
		g.logger.Info("item killed", "item", id, "by", editor.User)
	}
	return err
}

func (g *Gate) Revive(ctx context.Context, editor model.Actor, id int64) error {
	if !editor.IsEditor() {
		return ErrForbidden
	}
	return store.Mutate(ctx, g.store, store.Items, itemID(id), func(it *model.Item, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		it.Dead = false
		return nil
	})
}

// Delete tombstones an item. Only its author or an admin may delete.
func (g *Gate) Delete(ctx context.Context, actor model.Actor, id int64) error {
	return store.Mutate(ctx, g.store, store.Items, itemID(id), func(it *model.Item, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		if it.By != actor.User && !actor.IsAdmin() {
			return ErrForbidden
		}
		it.Deleted = true
		return nil
	})
}

// SetIgnore shadow-bans (or restores) a user.
func (g *Gate) SetIgnore(ctx context.Context, editor model.Actor, user string, ignore bool) error {
	if !editor.IsEditor() {
		return ErrForbidden
	}
	err := store.Mutate(ctx, g.store, store.Profiles, user, func(p *model.Profile, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		p.Ignore = ignore
		return nil
	})
	if err == nil {
		g.logger.Info("user ignore changed", "user", user, "ignore", ignore, "by", editor.User)
	}
	return err
}

// SiteConfig returns the stored site config or the defaults.
func (g *Gate) SiteConfig(ctx context.Context) (model.SiteConfig, error) {
	cfg, err := store.Load[model.SiteConfig](ctx, g.store, store.SiteConfig, store.SiteConfigKey)
	if errors.Is(err, store.ErrNotFound) {
		return model.DefaultSiteConfig(), nil
	}
	return cfg, err
}

func (g *Gate) SetSiteConfig(ctx context.Context, admin model.Actor, cfg model.SiteConfig) error {
	if !admin.IsAdmin() {
		return ErrForbidden
	}
	return g.store.Put(ctx, store.SiteConfig, store.SiteConfigKey, cfg)
}
