package integration

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/models"
	"github.com/bastionhq/bastion/internal/repositories"
	pkgauth "github.com/bastionhq/bastion/pkg/auth"
)

// CreateTestAccount inserts an active account with a bcrypt password hash
func CreateTestAccount(ctx context.Context, repo *repositories.AccountRepository, username, email, password string) (*models.Account, error) {
	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &models.Account{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         "user",
		Status:       "active",
	}
	if err := repo.Create(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}
