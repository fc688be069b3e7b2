package httpapp

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alphabot-ai/newsboard/internal/auth"
	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/rank"
	"github.com/alphabot-ai/newsboard/internal/tree"
	"github.com/alphabot-ai/newsboard/internal/vote"
)

// publicItem strips the addresses recorded with an item and its votes.
func publicItem(it model.Item) model.Item {
	it.IP = ""
	if len(it.Votes) > 0 {
		votes := make([]model.ItemVote, len(it.Votes))
		for i, v := range it.Votes {
			v.IP = ""
			votes[i] = v
		}
		it.Votes = votes
	}
	return it
}

func publicItems(items []model.Item) []model.Item {
	out := make([]model.Item, len(items))
	for i, it := range items {
		out[i] = publicItem(it)
	}
	return out
}

type userView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	Created   int64   `json:"created"`
	Karma     float64 `json:"karma"`
	Avg       float64 `json:"avg"`
	Submitted []int64 `json:"submitted"`
}

func viewOf(p model.Profile) userView {
	return userView{ID: p.ID, Name: p.Name, Created: p.Created, Karma: p.Karma, Avg: p.Avg, Submitted: p.Submitted}
}

func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.Gate.SiteConfig(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.svc.Auth.CreateAccount(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(p))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.svc.Auth.Login(r.Context(), strings.TrimSpace(req.Username), req.Password, clientIP(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": sess.Token, "user": sess.User})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return
	}
	if err := s.svc.Auth.Logout(r.Context(), token); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// viewer resolves the listing viewer and applies noprocrast pacing to
// signed-in users.
func (s *Server) viewer(r *http.Request) (rank.Viewer, error) {
	actor, ok := s.optionalAuth(r)
	if !ok {
		return rank.Viewer{}, nil
	}
	if err := s.svc.Auth.CheckVisit(r.Context(), actor.User); err != nil {
		return rank.Viewer{}, err
	}
	p, err := s.svc.Auth.Profile(r.Context(), actor.User)
	if err != nil {
		return rank.Viewer{}, err
	}
	return rank.Viewer{User: p.ID, Showdead: p.Showdead}, nil
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	listings := map[string]func(context.Context, rank.Viewer, int) ([]model.Item, error){
		"newest":       s.svc.Rank.Newest,
		"best":         s.svc.Rank.Best,
		"active":       s.svc.Rank.Active,
		"newcomments":  s.svc.Rank.NewComments,
		"noobstories":  s.svc.Rank.NoobStories,
		"noobcomments": s.svc.Rank.NoobComments,
	}
	name := chi.URLParam(r, "name")
	list, ok := listings[name]
	if !ok {
		notFound(w)
		return
	}
	v, err := s.viewer(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := parseIntDefault(r.URL.Query().Get("page"), 1)
	items, err := list(r.Context(), v, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listing": name, "page": page, "items": publicItems(items)})
}

func (s *Server) handleLeaders(w http.ResponseWriter, r *http.Request) {
	page := parseIntDefault(r.URL.Query().Get("page"), 1)
	profiles, err := s.svc.Rank.Leaders(r.Context(), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]userView, len(profiles))
	for i, p := range profiles {
		out[i] = viewOf(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page, "users": out})
}

type submitRequest struct {
	Type    model.ItemType `json:"type"`
	Title   string         `json:"title"`
	URL     string         `json:"url"`
	Text    string         `json:"text"`
	Parent  int64          `json:"parent"`
	Options []string       `json:"options,omitempty"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type == "" {
		req.Type = model.TypeStory
		if req.Parent != 0 {
			req.Type = model.TypeComment
		}
	}
	id, err := s.svc.Tree.CreateItem(r.Context(), tree.Submission{
		Type:   req.Type,
		By:     actor.User,
		IP:     clientIP(r),
		URL:    strings.TrimSpace(req.URL),
		Title:  strings.TrimSpace(req.Title),
		Text:   req.Text,
		Parent: req.Parent,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleCreatePoll(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, opts, err := s.svc.Tree.CreatePoll(r.Context(), tree.Submission{
		By:    actor.User,
		IP:    clientIP(r),
		Title: strings.TrimSpace(req.Title),
		Text:  req.Text,
	}, req.Options)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "parts": opts})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	it, err := s.svc.Tree.GetItem(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicItem(it))
}

func (s *Server) handleEditItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Tree.Edit(r.Context(), actor, id, strings.TrimSpace(req.Title), req.Text); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSubtree(w http.ResponseWriter, r *http.Request) {
	s.idList(w, r, s.svc.Tree.Subtree)
}

func (s *Server) handleAncestors(w http.ResponseWriter, r *http.Request) {
	s.idList(w, r, s.svc.Tree.Ancestors)
}

func (s *Server) idList(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) ([]int64, error)) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ids, err := fn(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "ids": ids})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateLimit(w, r, "vote", s.opts.Vote) {
		return
	}
	actor, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Dir model.Direction `json:"dir"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Dir != model.Up && req.Dir != model.Down {
		writeError(w, http.StatusBadRequest, errors.New("dir must be up or down"))
		return
	}
	res, err := s.svc.Votes.Vote(r.Context(), vote.Request{Voter: actor.User, Item: id, Dir: req.Dir, IP: clientIP(r)})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// Sock and Changed are not reported to the voter.
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": res.Item, "dir": res.Dir})
}

// moderate runs an item-level moderation action for the signed-in actor.
func (s *Server) moderate(w http.ResponseWriter, r *http.Request, fn func(context.Context, model.Actor, int64) error) {
	actor, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := fn(r.Context(), actor, id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateLimit(w, r, "flag", s.opts.Flag) {
		return
	}
	s.moderate(w, r, s.svc.Gate.Flag)
}

func (s *Server) handleUnflag(w http.ResponseWriter, r *http.Request) {
	s.moderate(w, r, s.svc.Gate.Unflag)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	s.moderate(w, r, s.svc.Gate.Kill)
}

func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request) {
	s.moderate(w, r, s.svc.Gate.Revive)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	s.moderate(w, r, s.svc.Gate.Delete)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Auth.Profile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.svc.Tree.Threads(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if threads == nil {
		threads = [][]int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var req struct {
		Name       string `json:"name"`
		Showdead   bool   `json:"showdead"`
		Noprocrast bool   `json:"noprocrast"`
		Maxvisit   int    `json:"maxvisit"`
		Minaway    int    `json:"minaway"`
		Topcolor   string `json:"topcolor"`
		Delay      int    `json:"delay"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.svc.Auth.UpdateSettings(r.Context(), actor, chi.URLParam(r, "id"), auth.Settings{
		Name:       req.Name,
		Showdead:   req.Showdead,
		Noprocrast: req.Noprocrast,
		Maxvisit:   req.Maxvisit,
		Minaway:    req.Minaway,
		Topcolor:   req.Topcolor,
		Delay:      req.Delay,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var req struct {
		User string `json:"user"`
		Auth int    `json:"auth"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Auth.Promote(r.Context(), actor, req.User, req.Auth); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleIgnore(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var req struct {
		User   string `json:"user"`
		Ignore bool   `json:"ignore"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Gate.SetIgnore(r.Context(), actor, req.User, req.Ignore); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type banRequest struct {
	Target string        `json:"target"`
	Ban    model.BanKind `json:"ban"`
	Info   string        `json:"info"`
}

func (s *Server) handleBanIP(w http.ResponseWriter, r *http.Request) {
	s.ban(w, r, s.svc.Gate.BanIP)
}

func (s *Server) handleBanSite(w http.ResponseWriter, r *http.Request) {
	s.ban(w, r, s.svc.Gate.BanSite)
}

func (s *Server) ban(w http.ResponseWriter, r *http.Request, fn func(context.Context, model.Actor, string, model.BanKind, string) error) {
	actor, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var req banRequest
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Ban != model.BanKill && req.Ban != model.BanIgnore {
		writeError(w, http.StatusBadRequest, errors.New("ban must be kill or ignore"))
		return
	}
	if err := fn(r.Context(), actor, strings.TrimSpace(req.Target), req.Ban, req.Info); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleScrub(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var req struct {
		Rules []model.ScrubRule `json:"rules"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Gate.SetScrubRules(r.Context(), actor, req.Rules); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePutSite(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var cfg model.SiteConfig
	if err := readJSON(r.Body, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Gate.SetSiteConfig(r.Context(), actor, cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
