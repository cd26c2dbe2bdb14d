package service

import (
	"context"
	"errors"
	"fmt"

	"storycredits/internal/model"
	"storycredits/internal/repository"

	"gorm.io/gorm"
)

// Authors serves the aggregate counters of author profiles.
type Authors struct {
	repo *repository.AuthorRepository
}

func NewAuthors(db *gorm.DB) *Authors {
	return &Authors{repo: repository.NewAuthorRepository(db)}
}

func (a *Authors) Stats(ctx context.Context, userID string) (*model.AuthorProfile, error) {
	profile, err := a.repo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAuthorNotFound) {
			return nil, fmt.Errorf("author %s: %w", userID, ErrNotFound)
		}
		return nil, storeErr("get author profile", err)
	}
	return profile, nil
}
