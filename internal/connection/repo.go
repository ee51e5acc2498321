package connection

import (
	"context"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, c *Connection) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*Connection, error) {
	var c Connection
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListByUser returns the user's connections in creation order.
func (r *Repo) ListByUser(ctx context.Context, userID uint64) ([]Connection, error) {
	var out []Connection
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the connection if userID owns it and reports whether a row went away.
func (r *Repo) Delete(ctx context.Context, userID uint64, id string) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&Connection{})
	return res.RowsAffected > 0, res.Error
}
