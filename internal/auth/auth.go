package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/moderation"
	"github.com/alphabot-ai/newsboard/internal/store"
)

var (
	ErrDuplicateName      = errors.New("username taken")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrWeakPassword       = errors.New("password must be 4 to 48 characters")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")
	ErrProcrastinating    = errors.New("noprocrast")
)

var usernameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{2,15}$`)

type Service struct {
	store        store.Store
	tokenTTL     time.Duration
	editorWeight float64
	admins       map[string]bool
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(st store.Store, tokenTTL time.Duration, editorWeight float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        st,
		tokenTTL:     tokenTTL,
		editorWeight: editorWeight,
		logger:       logger,
		now:          time.Now,
	}
}

// SetAdmins names accounts that are made admins when they register.
func (s *Service) SetAdmins(names []string) {
	s.admins = make(map[string]bool, len(names))
	for _, name := range names {
		s.admins[name] = true
	}
}

func ValidUsername(name string) bool {
	return usernameRE.MatchString(name)
}

// CreateAccount stores a new profile together with its password entry.
func (s *Service) CreateAccount(ctx context.Context, username, password string) (model.Profile, error) {
	if !ValidUsername(username) {
		return model.Profile{}, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	if len(password) < 4 || len(password) > 48 {
		return model.Profile{}, ErrWeakPassword
	}
	salt, err := randomToken(16)
	if err != nil {
		return model.Profile{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(salt+password), bcrypt.DefaultCost)
	if err != nil {
		return model.Profile{}, err
	}

	profile := model.NewProfile(username, s.now().Unix())
	if s.admins[username] {
		profile.Auth = model.AuthAdmin
		profile.Weight = max(profile.Weight, s.editorWeight)
	}
	err = s.store.Update(ctx, []store.Key{store.ProfileKey(username), store.PasswordKey(username)}, func(tx store.Tx) error {
		_, err := store.LoadTx[model.Profile](ctx, tx, store.Profiles, username)
		if err == nil {
			return ErrDuplicateName
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.Put(store.Profiles, username, &profile); err != nil {
			return err
		}
		return tx.Put(store.Passwords, username, &model.PasswordEntry{Hash: string(hash), Salt: salt})
	})
	if err != nil {
		return model.Profile{}, err
	}
	s.logger.Info("account created", "user", username)
	return profile, nil
}

func (s *Service) Login(ctx context.Context, username, password, ip string) (model.Session, error) {
	pw, err := store.Load[model.PasswordEntry](ctx, s.store, store.Passwords, username)
	if errors.Is(err, store.ErrNotFound) {
		return model.Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return model.Session{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(pw.Hash), []byte(pw.Salt+password)) != nil {
		return model.Session{}, ErrInvalidCredentials
	}

	sess := model.Session{
		Token:   uuid.NewString(),
		User:    username,
		IP:      ip,
		Created: s.now().Unix(),
	}
	if err := s.store.Put(ctx, store.Sessions, sess.Token, sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// Authenticate resolves a session token to the acting user.
func (s *Service) Authenticate(ctx context.Context, token string) (model.Actor, error) {
	if token == "" {
		return model.Actor{}, ErrInvalidCredentials
	}
	sess, err := store.Load[model.Session](ctx, s.store, store.Sessions, token)
	if errors.Is(err, store.ErrNotFound) {
		return model.Actor{}, ErrInvalidCredentials
	}
	if err != nil {
		return model.Actor{}, err
	}
	if sess.Revoked {
		return model.Actor{}, ErrSessionExpired
	}
	if s.tokenTTL > 0 && s.now().After(time.Unix(sess.Created, 0).Add(s.tokenTTL)) {
		return model.Actor{}, ErrSessionExpired
	}
	p, err := s.Profile(ctx, sess.User)
	if err != nil {
		return model.Actor{}, err
	}
	return model.Actor{User: p.ID, Auth: p.Auth}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return store.Mutate(ctx, s.store, store.Sessions, token, func(sess *model.Session, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		sess.Revoked = true
		return nil
	})
}

func (s *Service) Profile(ctx context.Context, user string) (model.Profile, error) {
	return store.Load[model.Profile](ctx, s.store, store.Profiles, user)
}

// Promote sets a user's auth level. Editors get at least the editor vote weight.
func (s *Service) Promote(ctx context.Context, admin model.Actor, user string, level int) error {
	if !admin.IsAdmin() {
		return moderation.ErrForbidden
	}
	if level < model.AuthUser || level > model.AuthAdmin {
		return fmt.Errorf("%w: auth level %d", store.ErrSchemaViolation, level)
	}
	err := store.Mutate(ctx, s.store, store.Profiles, user, func(p *model.Profile, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		p.Auth = level
		if level >= model.AuthEditor && p.Weight < s.editorWeight {
			p.Weight = s.editorWeight
		}
		return nil
	})
	if err == nil {
		s.logger.Info("auth level changed", "user", user, "auth", level, "by", admin.User)
	}
	return err
}

// Settings are the profile fields a user controls.
type Settings struct {
	Name       string
	Showdead   bool
	Noprocrast bool
	Maxvisit   int
	Minaway    int
	Topcolor   string
	Delay      int
}

func (s *Service) UpdateSettings(ctx context.Context, actor model.Actor, user string, set Settings) error {
	if actor.User != user && !actor.IsAdmin() {
		return moderation.ErrForbidden
	}
	return store.Mutate(ctx, s.store, store.Profiles, user, func(p *model.Profile, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		p.Name = set.Name
		p.Showdead = set.Showdead
		p.Noprocrast = set.Noprocrast
		p.Maxvisit = set.Maxvisit
		p.Minaway = set.Minaway
		p.Topcolor = set.Topcolor
		p.Delay = set.Delay
		return nil
	})
}

// CheckVisit enforces noprocrast pacing: after maxvisit minutes of browsing
// the user is turned away until minaway minutes have passed since their
// last allowed view.
func (s *Service) CheckVisit(ctx context.Context, user string) error {
	p, err := s.Profile(ctx, user)
	if err != nil {
		return err
	}
	if !p.Noprocrast {
		return nil
	}
	now := s.now().Unix()
	return store.Mutate(ctx, s.store, store.Profiles, user, func(p *model.Profile, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		if !p.Noprocrast {
			return nil
		}
		away := int64(p.Minaway) * 60
		switch {
		case p.Firstview == 0 || now-p.Lastview >= away:
			p.Firstview = now
		case now-p.Firstview > int64(p.Maxvisit)*60:
			wait := time.Duration(p.Lastview+away-now) * time.Second
			return fmt.Errorf("%w: come back in %s", ErrProcrastinating, wait)
		}
		p.Lastview = now
		return nil
	})
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
