package model

import "slices"

type ItemType string

const (
	TypeStory   ItemType = "story"
	TypeComment ItemType = "comment"
	TypePoll    ItemType = "poll"
	TypePollOpt ItemType = "pollopt"
)

// Direction is the direction of a cast vote.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Sign returns +1 for an up-vote and -1 for a down-vote.
func (d Direction) Sign() float64 {
	if d == Down {
		return -1
	}
	return 1
}

type BanKind string

const (
	BanKill   BanKind = "kill"
	BanIgnore BanKind = "ignore"
)

// Item is a story, comment, poll or poll option.
type Item struct {
	ID        int64      `json:"id" validate:"gt=0"`
	Type      ItemType   `json:"type" validate:"oneof=story comment poll pollopt"`
	By        string     `json:"by" validate:"required"`
	IP        string     `json:"ip,omitempty"`
	Time      int64      `json:"time" validate:"gt=0"`
	URL       string     `json:"url,omitempty" validate:"omitempty,url"`
	Title     string     `json:"title,omitempty" validate:"max=280"`
	Text      string     `json:"text,omitempty"`
	Votes     []ItemVote `json:"votes,omitempty" validate:"dive"`
	Score     float64    `json:"score"`
	Sockvotes int        `json:"sockvotes,omitempty" validate:"gte=0"`
	Flags     []string   `json:"flags,omitempty" validate:"unique"`
	Dead      bool       `json:"dead,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
	Parts     []int64    `json:"parts,omitempty" validate:"unique"`
	Parent    int64      `json:"parent,omitempty" validate:"gte=0"`
	Kids      []int64    `json:"kids,omitempty" validate:"unique"`
	Keys      []string   `json:"keys,omitempty" validate:"unique"`
}

// IsStoryLike reports whether the item is a top-level submission.
func (it Item) IsStoryLike() bool {
	return it.Type == TypeStory || it.Type == TypePoll
}

func (it Item) HasKey(k string) bool {
	return slices.Contains(it.Keys, k)
}

// VoteBy returns the index of user's vote in Votes, or -1.
func (it Item) VoteBy(user string) int {
	for i, v := range it.Votes {
		if v.User == user {
			return i
		}
	}
	return -1
}

type ItemVote struct {
	Time  int64     `json:"time" validate:"gt=0"`
	IP    string    `json:"ip,omitempty"`
	User  string    `json:"user" validate:"required"`
	Dir   Direction `json:"dir" validate:"oneof=up down"`
	Score float64   `json:"score"`
	Sock  bool      `json:"sock,omitempty"`
}

type VoteEntry struct {
	Dir  Direction `json:"dir" validate:"oneof=up down"`
	Time int64     `json:"time" validate:"gt=0"`
}

type Profile struct {
	ID         string              `json:"id" validate:"required,min=2,max=15"`
	Name       string              `json:"name,omitempty"`
	Created    int64               `json:"created" validate:"gt=0"`
	Auth       int                 `json:"auth" validate:"gte=0"`
	Member     bool                `json:"member,omitempty"`
	Submitted  []int64             `json:"submitted,omitempty" validate:"unique"`
	Votes      map[int64]VoteEntry `json:"votes,omitempty" validate:"dive"`
	Karma      float64             `json:"karma"`
	Avg        float64             `json:"avg"`
	Weight     float64             `json:"weight" validate:"gte=0"`
	Ignore     bool                `json:"ignore,omitempty"`
	Showdead   bool                `json:"showdead,omitempty"`
	Noprocrast bool                `json:"noprocrast,omitempty"`
	Firstview  int64               `json:"firstview,omitempty" validate:"gte=0"`
	Lastview   int64               `json:"lastview,omitempty" validate:"gte=0"`
	Maxvisit   int                 `json:"maxvisit" validate:"gte=0"`
	Minaway    int                 `json:"minaway" validate:"gte=0"`
	Topcolor   string              `json:"topcolor,omitempty" validate:"omitempty,hexadecimal,len=6"`
	Keys       []string            `json:"keys,omitempty" validate:"unique"`
	Delay      int                 `json:"delay" validate:"gte=0"`
}

const (
	DefaultKarma  = 1.0
	DefaultWeight = 0.5
)

// NewProfile returns a profile with the board defaults applied.
func NewProfile(id string, created int64) Profile {
	return Profile{
		ID:       id,
		Created:  created,
		Karma:    DefaultKarma,
		Weight:   DefaultWeight,
		Maxvisit: 20,
		Minaway:  180,
		Votes:    map[int64]VoteEntry{},
	}
}

// IsEditor reports whether the profile may moderate content.
func (p Profile) IsEditor() bool { return p.Auth >= AuthEditor }

func (p Profile) HasKey(k string) bool {
	return slices.Contains(p.Keys, k)
}

const (
	AuthUser   = 0
	AuthEditor = 1
	AuthAdmin  = 2
)

// Actor is an authenticated caller as supplied by the session layer.
type Actor struct {
	User string
	Auth int
}

func (a Actor) IsEditor() bool { return a.Auth >= AuthEditor }
func (a Actor) IsAdmin() bool  { return a.Auth >= AuthAdmin }

type Session struct {
	Token   string `json:"token" validate:"required"`
	User    string `json:"user" validate:"required"`
	IP      string `json:"ip,omitempty"`
	Created int64  `json:"created" validate:"gt=0"`
	Revoked bool   `json:"revoked,omitempty"`
}

type PasswordEntry struct {
	Hash string `json:"hash" validate:"required"`
	Salt string `json:"salt" validate:"required"`
}

type Ban struct {
	Ban  BanKind `json:"ban" validate:"oneof=kill ignore"`
	User string  `json:"user" validate:"required"`
	Time int64   `json:"time" validate:"gt=0"`
	Info string  `json:"info,omitempty"`
}

type ScrubRule struct {
	Find    string `json:"find" yaml:"find" validate:"required"`
	Replace string `json:"replace" yaml:"replace"`
}

// ScrubRules is the ordered rule list, stored as a singleton.
type ScrubRules struct {
	Rules []ScrubRule `json:"rules" validate:"dive"`
}

type SiteConfig struct {
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description"`
	URL         string `json:"url,omitempty" yaml:"url" validate:"omitempty,url"`
	Logo        string `json:"logo,omitempty" yaml:"logo"`
	Color       string `json:"color" yaml:"color" validate:"hexadecimal,len=6"`
	Border      string `json:"border" yaml:"border" validate:"hexadecimal,len=6"`
	Contact     string `json:"contact,omitempty" yaml:"contact" validate:"omitempty,email"`
}

func DefaultSiteConfig() SiteConfig {
	return SiteConfig{
		Name:   "newsboard",
		Color:  "ff6600",
		Border: "ff6600",
	}
}
