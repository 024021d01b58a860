package clients

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"quotedesk/internal/apperr"
	"quotedesk/internal/money"
	"quotedesk/internal/store/memstore"
	"quotedesk/internal/testutil"
)

func newTestService(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	st, err := memstore.New("", testutil.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, testutil.Logger()), st
}

func TestCreateGeneratesKeyAndSeedsBalances(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	creds, err := svc.Create(ctx, "acme", "")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, creds.ClientID)
	parts := strings.SplitN(creds.APIKey, ".", 2)
	require.Len(t, parts, 2)
	require.Len(t, parts[1], 64) // 32 random bytes, hex

	require.NoError(t, svc.VerifyKey(ctx, creds.ClientID, creds.APIKey))

	// Every registered currency has a zero balance row.
	bals, err := st.Balances(ctx, creds.ClientID)
	require.NoError(t, err)
	currencies := make([]string, len(bals))
	for i, b := range bals {
		currencies[i] = b.Currency
		require.Equal(t, "0", b.AvailableMinor.String())
	}
	require.Equal(t, money.Currencies(), currencies)

	view, err := svc.Get(ctx, creds.ClientID)
	require.NoError(t, err)
	require.Equal(t, "acme", view.Name)
	require.Equal(t, parts[0], view.APIKeyID)
}

func TestCreateWithProvidedKey(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	creds, err := svc.Create(ctx, "acme", "my-key.my-secret")
	require.NoError(t, err)
	require.Equal(t, "my-key.my-secret", creds.APIKey)
	require.NoError(t, svc.VerifyKey(ctx, creds.ClientID, "my-key.my-secret"))

	err = svc.VerifyKey(ctx, creds.ClientID, "my-key.wrong")
	require.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
	err = svc.VerifyKey(ctx, creds.ClientID, "bare-token")
	require.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestCreateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Create(ctx, "", "")
	require.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	// Bare tokens are not a valid key shape.
	_, err = svc.Create(ctx, "acme", "bare-token")
	require.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = svc.Create(ctx, "acme", ".secret-only")
	require.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	creds, err := svc.Create(ctx, "acme", "")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, creds.ClientID))
	err = svc.Delete(ctx, creds.ClientID)
	require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	_, err = svc.Get(ctx, creds.ClientID)
	require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	bals, err := st.Balances(ctx, creds.ClientID)
	require.NoError(t, err)
	require.Empty(t, bals)
}
