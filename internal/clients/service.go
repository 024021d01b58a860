// Package clients provisions trading clients: API key issuance and the
// zero-balance seeding the ledger's debit-row precondition relies on.
package clients

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"quotedesk/internal/apperr"
	"quotedesk/internal/money"
	"quotedesk/internal/store"
)

// View is the client projection without secret material.
type View struct {
	ID        uuid.UUID `json:"clientId"`
	Name      string    `json:"name"`
	APIKeyID  string    `json:"apiKeyId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Credentials is returned exactly once, at creation. APIKey is
// "keyID.secret"; only a bcrypt hash of the secret is stored.
type Credentials struct {
	ClientID uuid.UUID `json:"clientId"`
	APIKey   string    `json:"apiKey"`
}

type Service struct {
	store store.Store
	log   zerolog.Logger
}

func NewService(st store.Store, log zerolog.Logger) *Service {
	return &Service{store: st, log: log.With().Str("component", "clients").Logger()}
}

// Create registers a client. When apiKey is empty a key is generated;
// otherwise it must be "keyID.secret" — bare tokens are rejected, there
// is no fallback identity. The same transaction seeds a zero balance
// for every registered currency.
func (s *Service) Create(ctx context.Context, name, apiKey string) (Credentials, error) {
	if strings.TrimSpace(name) == "" {
		return Credentials{}, apperr.New(apperr.CodeValidation, "client name is required")
	}

	var keyID, secret string
	switch {
	case apiKey == "":
		keyID = uuid.NewString()
		secret = randomSecret()
	case strings.Contains(apiKey, "."):
		parts := strings.SplitN(apiKey, ".", 2)
		keyID, secret = parts[0], parts[1]
		if keyID == "" || secret == "" {
			return Credentials{}, apperr.New(apperr.CodeValidation, "api key must be keyID.secret")
		}
	default:
		return Credentials{}, apperr.New(apperr.CodeValidation, "api key must be keyID.secret")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Credentials{}, apperr.Internal(fmt.Errorf("hash secret: %w", err))
	}

	row := store.ClientRow{
		ID:         uuid.New(),
		Name:       name,
		APIKeyID:   keyID,
		APIKeyHash: string(hash),
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return Credentials{}, apperr.Internal(fmt.Errorf("begin create client: %w", err))
	}
	defer tx.Rollback()

	if err := tx.InsertClient(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return Credentials{}, apperr.New(apperr.CodeValidation, "api key id already in use")
		}
		return Credentials{}, apperr.Internal(fmt.Errorf("insert client: %w", err))
	}
	for _, currency := range money.Currencies() {
		if err := tx.UpsertBalance(ctx, row.ID, currency, big.NewInt(0)); err != nil {
			return Credentials{}, apperr.Internal(fmt.Errorf("seed balance %s: %w", currency, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return Credentials{}, apperr.Internal(fmt.Errorf("commit create client: %w", err))
	}

	s.log.Info().
		Str("client_id", row.ID.String()).
		Str("api_key_id", keyID).
		Msg("client created")
	return Credentials{ClientID: row.ID, APIKey: keyID + "." + secret}, nil
}

// Get returns the client projection.
func (s *Service) Get(ctx context.Context, clientID uuid.UUID) (View, error) {
	row, err := s.store.Client(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return View{}, apperr.New(apperr.CodeNotFound, "client not found")
		}
		return View{}, apperr.Internal(fmt.Errorf("load client: %w", err))
	}
	return View{ID: row.ID, Name: row.Name, APIKeyID: row.APIKeyID, CreatedAt: row.CreatedAt}, nil
}

// Delete removes the client and everything it owns.
func (s *Service) Delete(ctx context.Context, clientID uuid.UUID) error {
	if err := s.store.DeleteClient(ctx, clientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.CodeNotFound, "client not found")
		}
		return apperr.Internal(fmt.Errorf("delete client: %w", err))
	}
	s.log.Info().Str("client_id", clientID.String()).Msg("client deleted")
	return nil
}

// VerifyKey checks "keyID.secret" against the stored hash for the
// client. Callers that terminate authentication elsewhere never use it.
func (s *Service) VerifyKey(ctx context.Context, clientID uuid.UUID, apiKey string) error {
	parts := strings.SplitN(apiKey, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return apperr.New(apperr.CodeForbidden, "invalid api key")
	}

	row, err := s.store.Client(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.CodeForbidden, "invalid api key")
		}
		return apperr.Internal(fmt.Errorf("load client: %w", err))
	}
	if row.APIKeyID != parts[0] ||
		bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(parts[1])) != nil {
		return apperr.New(apperr.CodeForbidden, "invalid api key")
	}
	return nil
}

func randomSecret() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
