package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/models"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL repository test: PG_TEST_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := MigrateDB(db, zap.NewNop()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db
}

func TestBalanceRepository(t *testing.T) {
	db := testDB(t)
	repo := NewBalanceRepository(db)
	ctx := context.Background()
	userID := uuid.NewString()

	t.Run("GetWithoutRow", func(t *testing.T) {
		balance, err := repo.Get(ctx, userID)
		if err != nil {
			t.Fatalf("Failed to get balance: %v", err)
		}
		if balance != 0 {
			t.Errorf("Expected 0 balance for new user, got %d", balance)
		}
	})

	t.Run("IncrementCreatesRow", func(t *testing.T) {
		balance, err := repo.Increment(ctx, userID, 48)
		if err != nil {
			t.Fatalf("Failed to increment: %v", err)
		}
		if balance != 48 {
			t.Errorf("Expected balance 48, got %d", balance)
		}

		balance, err = repo.Increment(ctx, userID, 96)
		if err != nil {
			t.Fatalf("Failed to increment: %v", err)
		}
		if balance != 144 {
			t.Errorf("Expected balance 144, got %d", balance)
		}
	})

	t.Run("DecrementIfEnough", func(t *testing.T) {
		balance, err := repo.DecrementIfEnough(ctx, userID, 16)
		if err != nil {
			t.Fatalf("Failed to decrement: %v", err)
		}
		if balance != 128 {
			t.Errorf("Expected balance 128, got %d", balance)
		}
	})

	t.Run("DecrementBlocksOverdraw", func(t *testing.T) {
		_, err := repo.DecrementIfEnough(ctx, userID, 1000)
		if !errors.Is(err, models.ErrInsufficientBalance) {
			t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
		}

		balance, err := repo.Get(ctx, userID)
		if err != nil {
			t.Fatalf("Failed to get balance: %v", err)
		}
		if balance != 128 {
			t.Errorf("Balance changed on failed decrement: %d", balance)
		}
	})
}

func TestTransactionRepository(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()
	userID := uuid.NewString()
	dedupeKey := "invoice:" + uuid.NewString()

	t.Run("AppendAndDedupe", func(t *testing.T) {
		exists, err := repo.ExistsByDedupeKey(ctx, dedupeKey)
		if err != nil {
			t.Fatalf("Failed dedupe check: %v", err)
		}
		if exists {
			t.Fatal("Fresh dedupe key reported as existing")
		}

		err = repo.Append(ctx, &models.TokenTransaction{
			UserID:      userID,
			Amount:      48,
			Kind:        models.KindSubscription,
			Description: "Crédito de teste",
			Metadata:    map[string]any{models.MetaDedupeKey: dedupeKey, "invoice_id": "in_test"},
		})
		if err != nil {
			t.Fatalf("Failed to append: %v", err)
		}

		exists, err = repo.ExistsByDedupeKey(ctx, dedupeKey)
		if err != nil {
			t.Fatalf("Failed dedupe check: %v", err)
		}
		if !exists {
			t.Fatal("Stored dedupe key not found")
		}
	})

	t.Run("ListAndSum", func(t *testing.T) {
		err := repo.Append(ctx, &models.TokenTransaction{
			UserID: userID,
			Amount: -16,
			Kind:   models.KindPetitionCreation,
		})
		if err != nil {
			t.Fatalf("Failed to append: %v", err)
		}

		records, err := repo.ListByUser(ctx, userID, 10)
		if err != nil {
			t.Fatalf("Failed to list: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("Expected 2 records, got %d", len(records))
		}

		sum, err := repo.SumByUser(ctx, userID)
		if err != nil {
			t.Fatalf("Failed to sum: %v", err)
		}
		if sum != 32 {
			t.Errorf("Expected sum 32, got %d", sum)
		}
	})
}

func TestTrackerRepository(t *testing.T) {
	db := testDB(t)
	repo := NewTrackerRepository(db)
	ctx := context.Background()
	subID := "sub_" + uuid.NewString()
	due := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	tracker := &models.RenewalTracker{
		SubscriptionID: subID,
		UserID:         uuid.NewString(),
		CustomerID:     "cus_test",
		PriceID:        "price_advanced_annual",
		TokensPerMonth: 96,
		NextGrantDate:  due,
		GrantedMonths:  1,
		Status:         models.TrackerActive,
	}

	t.Run("UpsertAndGet", func(t *testing.T) {
		if err := repo.Upsert(ctx, tracker); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}

		fetched, err := repo.GetBySubscriptionID(ctx, subID)
		if err != nil {
			t.Fatalf("Failed to get: %v", err)
		}
		if fetched.TokensPerMonth != 96 || fetched.GrantedMonths != 1 {
			t.Errorf("Unexpected tracker: %+v", fetched)
		}
	})

	t.Run("UpsertReplacesOnConflict", func(t *testing.T) {
		tracker.TokensPerMonth = 160
		tracker.PriceID = "price_elite_annual"
		if err := repo.Upsert(ctx, tracker); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}

		fetched, err := repo.GetBySubscriptionID(ctx, subID)
		if err != nil {
			t.Fatalf("Failed to get: %v", err)
		}
		if fetched.TokensPerMonth != 160 {
			t.Errorf("Expected 160 tokens per month, got %d", fetched.TokensPerMonth)
		}
	})

	t.Run("ListDue", func(t *testing.T) {
		due, err := repo.ListDue(ctx, time.Now().UTC())
		if err != nil {
			t.Fatalf("Failed to list due: %v", err)
		}

		found := false
		for _, tr := range due {
			if tr.SubscriptionID == subID {
				found = true
			}
		}
		if !found {
			t.Error("Due tracker missing from ListDue")
		}
	})

	t.Run("Advance", func(t *testing.T) {
		next := due.AddDate(0, 1, 0)
		if err := repo.Advance(ctx, subID, next); err != nil {
			t.Fatalf("Failed to advance: %v", err)
		}

		fetched, err := repo.GetBySubscriptionID(ctx, subID)
		if err != nil {
			t.Fatalf("Failed to get: %v", err)
		}
		if fetched.GrantedMonths != 2 {
			t.Errorf("Expected granted_months 2, got %d", fetched.GrantedMonths)
		}
		if !fetched.NextGrantDate.Equal(next) {
			t.Errorf("Expected next grant %v, got %v", next, fetched.NextGrantDate)
		}
	})

	t.Run("SetStatusMissingIsNoop", func(t *testing.T) {
		if err := repo.SetStatus(ctx, "sub_never_seen", models.TrackerInactive); err != nil {
			t.Fatalf("SetStatus on missing tracker errored: %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.GetBySubscriptionID(ctx, "sub_never_seen")
		if !errors.Is(err, models.ErrTrackerNotFound) {
			t.Fatalf("Expected ErrTrackerNotFound, got %v", err)
		}
	})
}

func TestProfileRepository(t *testing.T) {
	db := testDB(t)
	repo := NewProfileRepository(db)
	ctx := context.Background()

	profile := &models.Profile{
		ID:    uuid.NewString(),
		Email: "Teste." + uuid.NewString() + "@Example.com",
	}

	t.Run("CreateAndGetByID", func(t *testing.T) {
		if err := repo.Create(ctx, profile); err != nil {
			t.Fatalf("Failed to create: %v", err)
		}

		fetched, err := repo.GetByID(ctx, profile.ID)
		if err != nil {
			t.Fatalf("Failed to get: %v", err)
		}
		if fetched.Email != profile.Email {
			t.Errorf("Expected email %s, got %s", profile.Email, fetched.Email)
		}
	})

	t.Run("GetByEmailCaseInsensitive", func(t *testing.T) {
		fetched, err := repo.GetByEmail(ctx, strings.ToUpper(profile.Email))
		if err != nil {
			t.Fatalf("Failed to get by email: %v", err)
		}
		if fetched.ID != profile.ID {
			t.Errorf("Expected profile %s, got %s", profile.ID, fetched.ID)
		}
	})

	t.Run("SetCustomerIDAndGetByCustomerID", func(t *testing.T) {
		customerID := "cus_" + uuid.NewString()
		if err := repo.SetCustomerID(ctx, profile.ID, customerID); err != nil {
			t.Fatalf("Failed to set customer id: %v", err)
		}

		fetched, err := repo.GetByCustomerID(ctx, customerID)
		if err != nil {
			t.Fatalf("Failed to get by customer id: %v", err)
		}
		if fetched.ID != profile.ID {
			t.Errorf("Expected profile %s, got %s", profile.ID, fetched.ID)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.GetByID(ctx, uuid.NewString())
		if !errors.Is(err, models.ErrProfileNotFound) {
			t.Fatalf("Expected ErrProfileNotFound, got %v", err)
		}
	})
}
