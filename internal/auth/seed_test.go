package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestSeedSuperadmin(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	password, err := SeedSuperadmin(context.Background(), repo, logger)
	if err != nil {
		t.Fatalf("SeedSuperadmin: %v", err)
	}
	if password == "" {
		t.Fatal("expected a generated password")
	}

	root, err := repo.GetByLogin(context.Background(), "root")
	if err != nil {
		t.Fatalf("GetByLogin: %v", err)
	}
	if root.Role != RoleSuperadmin {
		t.Errorf("Role = %s, want superadmin", root.Role)
	}
	if !root.MustChangePassword {
		t.Error("seed account should require a password change")
	}

	ok, err := VerifyPassword(password, root.PasswordHash)
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if !ok {
		t.Error("generated password does not verify against stored hash")
	}
}

func TestSeedSuperadminSkipsWhenUsersExist(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	seedTestUser(t, db, "existing", RoleUser)

	password, err := SeedSuperadmin(context.Background(), repo, logger)
	if err != nil {
		t.Fatalf("SeedSuperadmin: %v", err)
	}
	if password != "" {
		t.Error("seeding should be skipped when users exist")
	}

	count, err := repo.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}
}
