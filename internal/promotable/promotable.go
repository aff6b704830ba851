package promotable

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindSong           Kind = "song"
	KindAlbum          Kind = "album"
	KindEvent          Kind = "event"
	KindPodcastEpisode Kind = "podcast_episode"
	KindProduct        Kind = "product"
)

var (
	ErrUnknownKind = errors.New("unknown_promotable_kind")
	ErrInvalidID   = errors.New("invalid_promotable_id")
	ErrNotFound    = errors.New("promotable_not_found")
)

// Reference points at something a promotion advertises.
type Reference struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

func (r Reference) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

func (r Reference) Validate() error {
	if strings.TrimSpace(string(r.Kind)) == "" {
		return ErrUnknownKind
	}
	if r.ID <= 0 {
		return ErrInvalidID
	}
	return nil
}

// Promotable is the resolved target of a Reference.
type Promotable interface {
	Kind() Kind
	ReferenceID() int64
	Title() string
	OwnerID() int64
}

type Resolver interface {
	Resolve(ctx context.Context, id int64) (Promotable, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, id int64) (Promotable, error)

func (f ResolverFunc) Resolve(ctx context.Context, id int64) (Promotable, error) {
	return f(ctx, id)
}

// Registry dispatches references to the resolver registered for their kind.
type Registry struct {
	resolvers map[Kind]Resolver
}

func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[Kind]Resolver)}
}

func (r *Registry) Register(kind Kind, resolver Resolver) {
	r.resolvers[kind] = resolver
}

func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.resolvers))
	for kind := range r.resolvers {
		kinds = append(kinds, kind)
	}
	return kinds
}

func (r *Registry) Resolve(ctx context.Context, ref Reference) (Promotable, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	resolver, ok := r.resolvers[ref.Kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	item, err := resolver.Resolve(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item, nil
}

// Item is a plain Promotable value.
type Item struct {
	ItemKind  Kind
	ItemID    int64
	ItemTitle string
	Owner     int64
}

func (i Item) Kind() Kind         { return i.ItemKind }
func (i Item) ReferenceID() int64 { return i.ItemID }
func (i Item) Title() string      { return i.ItemTitle }
func (i Item) OwnerID() int64     { return i.Owner }
