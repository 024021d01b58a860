package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"quotedesk/internal/apperr"
	"quotedesk/internal/store"
	"quotedesk/internal/store/memstore"
	"quotedesk/internal/testutil"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := memstore.New("", testutil.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, testutil.Logger(), nil), st
}

func TestDepositCreditsAndWritesEntry(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	clientID := uuid.New()

	require.NoError(t, svc.Deposit(ctx, clientID, "USDT", big.NewInt(10_000_000_000)))
	require.NoError(t, svc.Deposit(ctx, clientID, "USDT", big.NewInt(5_000_000)))

	bals, err := svc.Balances(ctx, clientID)
	require.NoError(t, err)
	require.Len(t, bals, 1)
	require.Equal(t, "10005000000", bals[0].AvailableMinor.String())

	entries, err := svc.Entries(ctx, clientID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ReasonDeposit, entries[0].Reason)
	require.Nil(t, entries[0].RefID)
	require.Equal(t, "10000000000", entries[0].DeltaMinor.String())

	require.NoError(t, svc.VerifyInvariant(ctx, clientID))
}

func TestDepositRejectsNonPositive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	clientID := uuid.New()

	err := svc.Deposit(ctx, clientID, "USDT", big.NewInt(0))
	require.Equal(t, apperr.CodeInvalidAmount, apperr.CodeOf(err))
	err = svc.Deposit(ctx, clientID, "USDT", big.NewInt(-1))
	require.Equal(t, apperr.CodeInvalidAmount, apperr.CodeOf(err))

	bals, err := svc.Balances(ctx, clientID)
	require.NoError(t, err)
	require.Empty(t, bals)
}

func TestRecordPostingMovesBothLegs(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	clientID := uuid.New()
	tradeID := uuid.New()

	require.NoError(t, svc.Deposit(ctx, clientID, "USDT", big.NewInt(40_000_000_000)))

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.RecordPosting(ctx, tx, Posting{
		ClientID:       clientID,
		DebitCurrency:  "USDT",
		DebitMinor:     big.NewInt(32_516_250_000),
		CreditCurrency: "BTC",
		CreditMinor:    big.NewInt(50_000_000),
		RefID:          tradeID,
	}))
	require.NoError(t, tx.Commit())

	bals, err := svc.Balances(ctx, clientID)
	require.NoError(t, err)
	require.Len(t, bals, 2)
	require.Equal(t, "BTC", bals[0].Currency)
	require.Equal(t, "50000000", bals[0].AvailableMinor.String())
	require.Equal(t, "7483750000", bals[1].AvailableMinor.String())

	entries, err := svc.Entries(ctx, clientID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	debit, credit := entries[1], entries[2]
	require.Equal(t, ReasonTrade, debit.Reason)
	require.Equal(t, "-32516250000", debit.DeltaMinor.String())
	require.Equal(t, tradeID, *debit.RefID)
	require.Equal(t, "50000000", credit.DeltaMinor.String())
	require.Equal(t, tradeID, *credit.RefID)

	require.NoError(t, svc.VerifyInvariant(ctx, clientID))
}

func TestRecordPostingMissingDebitRowFailsHard(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	clientID := uuid.New()

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	err = svc.RecordPosting(ctx, tx, Posting{
		ClientID:       clientID,
		DebitCurrency:  "USDT",
		DebitMinor:     big.NewInt(100),
		CreditCurrency: "BTC",
		CreditMinor:    big.NewInt(1),
		RefID:          uuid.New(),
	})
	require.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
}

func TestRecordPostingRejectsNonPositiveLegs(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	err = svc.RecordPosting(ctx, tx, Posting{
		ClientID:       uuid.New(),
		DebitCurrency:  "USDT",
		DebitMinor:     big.NewInt(0),
		CreditCurrency: "BTC",
		CreditMinor:    big.NewInt(1),
	})
	require.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
}

func TestVerifyInvariantDetectsDrift(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	clientID := uuid.New()

	require.NoError(t, svc.Deposit(ctx, clientID, "EUR", big.NewInt(1000)))

	// Mutate the balance without a matching entry.
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddToBalance(ctx, clientID, "EUR", big.NewInt(7)))
	require.NoError(t, tx.Commit())

	err = svc.VerifyInvariant(ctx, clientID)
	require.Error(t, err)
	require.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
}
