package promotable

import (
	"context"

	"gorm.io/gorm"
)

// Table describes where the platform keeps one kind of promotable item.
type Table struct {
	Kind        Kind
	Name        string
	TitleColumn string
	OwnerColumn string
}

// DefaultTables maps every kind to the platform catalogue tables.
var DefaultTables = []Table{
	{Kind: KindSong, Name: "songs", TitleColumn: "title", OwnerColumn: "artist_id"},
	{Kind: KindAlbum, Name: "albums", TitleColumn: "title", OwnerColumn: "artist_id"},
	{Kind: KindEvent, Name: "events", TitleColumn: "name", OwnerColumn: "organizer_id"},
	{Kind: KindPodcastEpisode, Name: "podcast_episodes", TitleColumn: "title", OwnerColumn: "creator_id"},
	{Kind: KindProduct, Name: "products", TitleColumn: "name", OwnerColumn: "seller_id"},
}

type tableResolver struct {
	db    *gorm.DB
	table Table
}

func NewTableResolver(db *gorm.DB, table Table) Resolver {
	return &tableResolver{db: db, table: table}
}

func (r *tableResolver) Resolve(ctx context.Context, id int64) (Promotable, error) {
	type row struct {
		ID    int64  `gorm:"column:id"`
		Title string `gorm:"column:title"`
		Owner int64  `gorm:"column:owner_id"`
	}

	var item row
	err := r.db.WithContext(ctx).
		Raw(`SELECT id, `+r.table.TitleColumn+` AS title, `+r.table.OwnerColumn+` AS owner_id FROM `+r.table.Name+` WHERE id = ?`, id).
		Scan(&item).Error
	if err != nil {
		// Standalone deployments carry no catalogue tables.
		if !r.db.WithContext(ctx).Migrator().HasTable(r.table.Name) {
			return nil, ErrUnknownKind
		}
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}

	return Item{
		ItemKind:  r.table.Kind,
		ItemID:    item.ID,
		ItemTitle: item.Title,
		Owner:     item.Owner,
	}, nil
}

// NewDefaultRegistry resolves every kind against DefaultTables.
func NewDefaultRegistry(db *gorm.DB) *Registry {
	registry := NewRegistry()
	for _, table := range DefaultTables {
		registry.Register(table.Kind, NewTableResolver(db, table))
	}
	return registry
}
