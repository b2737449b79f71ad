package lexicons

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/data"
	"github.com/go-playground/validator/v10"
	"github.com/rivo/uniseg"
)

const (
	ProfileNSID = "app.bsky.actor.profile"
	PostNSID    = "app.bsky.feed.post"
	FollowNSID  = "app.bsky.graph.follow"
	LikeNSID    = "app.bsky.feed.like"
	RepostNSID  = "app.bsky.feed.repost"
)

var validate = validator.New()

type StrongRef struct {
	Uri string `json:"uri" validate:"required,startswith=at://"`
	Cid string `json:"cid" validate:"required"`
}

type Profile struct {
	DisplayName *string    `json:"displayName,omitempty" validate:"omitempty,max=640"`
	Description *string    `json:"description,omitempty" validate:"omitempty,max=2560"`
	Avatar      *data.Blob `json:"avatar,omitempty"`
	Banner      *data.Blob `json:"banner,omitempty"`
}

type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

type Post struct {
	Text      string    `json:"text" validate:"max=3000"`
	CreatedAt string    `json:"createdAt" validate:"required"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Langs     []string  `json:"langs,omitempty" validate:"omitempty,dive,min=2"`
}

type Follow struct {
	Subject   string `json:"subject" validate:"required,startswith=did:"`
	CreatedAt string `json:"createdAt" validate:"required"`
}

// Like and Repost share a shape.
type Subjected struct {
	Subject   StrongRef `json:"subject"`
	CreatedAt string    `json:"createdAt" validate:"required"`
}

// Decode converts a normalized record map into a typed struct.
func Decode(record map[string]any, out any) error {
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// StructValidator decodes a record into a fresh T and runs the struct tags over it.
func StructValidator[T any](extra func(*T) error) Validator {
	return ValidatorFunc(func(ctx context.Context, record map[string]any) error {
		var v T
		if err := Decode(record, &v); err != nil {
			return fmt.Errorf("record shape: %w", err)
		}
		if err := validate.Struct(&v); err != nil {
			return err
		}
		if extra != nil {
			return extra(&v)
		}
		return nil
	})
}

// graphemes counts user-perceived characters, so an emoji built from several code points
// counts once.
func graphemes(s string) int {
	n := 0
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		n++
	}
	return n
}

func maxGraphemes(field, s string, limit int) error {
	if n := graphemes(s); n > limit {
		return fmt.Errorf("%s: %d graphemes exceeds the limit of %d", field, n, limit)
	}
	return nil
}

func checkImage(field string, b *data.Blob) error {
	if b == nil {
		return nil
	}
	if !strings.HasPrefix(b.MimeType, "image/") {
		return fmt.Errorf("%s: expected an image, got %q", field, b.MimeType)
	}
	return nil
}

// DefaultRegistry returns a registry with the built-in app.bsky collections.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(ProfileNSID, StructValidator(func(p *Profile) error {
		if p.DisplayName != nil {
			if err := maxGraphemes("displayName", *p.DisplayName, 64); err != nil {
				return err
			}
		}
		if p.Description != nil {
			if err := maxGraphemes("description", *p.Description, 256); err != nil {
				return err
			}
		}
		if err := checkImage("avatar", p.Avatar); err != nil {
			return err
		}
		return checkImage("banner", p.Banner)
	}))

	posts, err := NewRuleValidator(Rule{
		Expr:    "!has(record.langs) || size(record.langs) <= 3",
		Message: "langs: at most 3 languages",
	})
	if err != nil {
		panic(err)
	}
	r.Register(PostNSID, Chain(StructValidator(func(p *Post) error {
		return maxGraphemes("text", p.Text, 300)
	}), posts))
	r.Register(FollowNSID, StructValidator[Follow](nil))
	r.Register(LikeNSID, StructValidator[Subjected](nil))
	r.Register(RepostNSID, StructValidator[Subjected](nil))

	return r
}
