package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

const seedPasswordBytes = 16

// SeedSuperadmin bootstraps the "root" account when the user table is
// empty. The generated password is returned so the caller can surface it
// once; the account carries must_change_password and cannot keep it.
// Returns an empty string when seeding was skipped.
func SeedSuperadmin(ctx context.Context, userRepo UserRepository, logger *slog.Logger) (string, error) {
	count, err := userRepo.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}
	if count > 0 {
		logger.Info("users exist, skipping superadmin seed")
		return "", nil
	}

	password, err := randomSeedPassword()
	if err != nil {
		return "", err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing seed password: %w", err)
	}

	root := &User{
		Login:              "root",
		PasswordHash:       hash,
		Role:               RoleSuperadmin,
		MustChangePassword: true,
		IsActive:           true,
	}
	if err := userRepo.Create(ctx, root); err != nil {
		return "", fmt.Errorf("creating seed superadmin: %w", err)
	}

	logger.Warn("seed superadmin account created",
		"login", root.Login,
		"password", password,
		"action_required", "change this password immediately",
	)
	return password, nil
}

func randomSeedPassword() (string, error) {
	b := make([]byte, seedPasswordBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating seed password: %w", err)
	}
	return hex.EncodeToString(b), nil
}
