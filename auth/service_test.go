package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:       "alice@example.com",
		Password:    "supersafe",
		DisplayName: "Alice Buyer",
	}

	ctx := context.Background()
	party, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if party.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, party.Email)
	}
	if party.Role != RolePayer {
		t.Fatalf("register: expected default role %s got %s", RolePayer, party.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Party.ID != party.ID {
		t.Fatalf("login: expected party id %q got %q", party.ID, resp.Party.ID)
	}

	tokenPartyID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenPartyID != party.ID {
		t.Fatalf("verify token: expected %q got %q", party.ID, tokenPartyID)
	}
	if tokenRole != RolePayer {
		t.Fatalf("verify token: expected role %s got %s", RolePayer, tokenRole)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "alice@example.com",
		Password:    "short",
		DisplayName: "Alice Buyer",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "",
		Password:    "strongpassword",
		DisplayName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_RegisterRejectsAdminRole(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "eve@example.com",
		Password:    "strongpassword",
		DisplayName: "Eve",
		Role:        RoleAdmin,
	})
	if err == nil {
		t.Fatal("expected self-registration as admin to be rejected")
	}
}

func TestService_NormalizesEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	party, err := svc.Register(ctx, RegisterRequest{
		Email:       "  Alice@Example.COM ",
		Password:    "strongpassword",
		DisplayName: "Alice Buyer",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if party.Email != "alice@example.com" {
		t.Fatalf("stored email = %q, want normalized form", party.Email)
	}

	// Re-registration with different casing is the same account.
	if _, err := svc.Register(ctx, RegisterRequest{
		Email:       "ALICE@example.com",
		Password:    "strongpassword",
		DisplayName: "Alice Again",
	}); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}

	if _, err := svc.Login(ctx, LoginRequest{Email: "Alice@EXAMPLE.com", Password: "strongpassword"}); err != nil {
		t.Fatalf("login with differently-cased email: %v", err)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:       "alice@example.com",
		Password:    "strongpassword",
		DisplayName: "Alice Buyer",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

type fakeRepository struct {
	partiesByEmail map[string]Party
	partiesByID    map[string]Party
	nextID         int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		partiesByEmail: make(map[string]Party),
		partiesByID:    make(map[string]Party),
		nextID:         1,
	}
}

func (f *fakeRepository) CreateParty(ctx context.Context, params CreatePartyParams) (Party, error) {
	if _, exists := f.partiesByEmail[strings.ToLower(params.Email)]; exists {
		return Party{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("party-%d", f.nextID)
	f.nextID++
	role := params.Role
	if role == "" {
		role = RolePayer
	}

	party := Party{
		ID:           id,
		Email:        params.Email,
		DisplayName:  params.DisplayName,
		PasswordHash: params.PasswordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.partiesByEmail[strings.ToLower(party.Email)] = party
	f.partiesByID[party.ID] = party

	return party, nil
}

func (f *fakeRepository) GetPartyByEmail(ctx context.Context, email string) (Party, error) {
	party, ok := f.partiesByEmail[strings.ToLower(email)]
	if !ok {
		return Party{}, ErrPartyNotFound
	}
	return party, nil
}

func (f *fakeRepository) GetPartyByID(ctx context.Context, partyID string) (Party, error) {
	party, ok := f.partiesByID[partyID]
	if !ok {
		return Party{}, ErrPartyNotFound
	}
	return party, nil
}
