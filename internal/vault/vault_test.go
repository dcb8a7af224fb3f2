package vault

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ledgerline/session-core/internal/infrastructure/database"
	_ "github.com/ledgerline/session-core/migrations" // registers embedded migrations
)

const testPassphrase = "correct-horse-battery-staple-0123456789"

// testStore opens a fresh database in a temp directory, applies
// migrations, and returns a ready vault store.
func testStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "vault.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	store, err := New(db, testPassphrase)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	return store
}

func TestNew_PassphraseTooShort(t *testing.T) {
	_, err := New(nil, "short")
	if !errors.Is(err, ErrPassphraseTooShort) {
		t.Errorf("New() error = %v, want ErrPassphraseTooShort", err)
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	payload := []byte(`{"user_id":"usr-1","refresh_token":"rt-abc"}`)
	if err := store.Put(ctx, "session", payload, time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, "session")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Get() = %q, want %q", got, payload)
	}
}

func TestPut_ReplacesExisting(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "session", []byte("first"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "session", []byte("second"), time.Minute); err != nil {
		t.Fatalf("Put() replace error = %v", err)
	}

	got, err := store.Get(ctx, "session")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Get() = %q, want %q", got, "second")
	}
}

func TestGet_Missing(t *testing.T) {
	store := testStore(t)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGet_EmptyKey(t *testing.T) {
	store := testStore(t)

	_, err := store.Get(context.Background(), "")
	if !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Get() error = %v, want ErrEmptyKey", err)
	}
}

func TestGet_ExpiredTreatedAsAbsent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "session", []byte("stale"), -time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	_, err := store.Get(ctx, "session")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound for expired record", err)
	}

	// The expired record should have been lazily deleted.
	var count int
	err = store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vault_records WHERE record_key = ?`, "session").Scan(&count)
	if err != nil {
		t.Fatalf("counting records: %v", err)
	}
	if count != 0 {
		t.Errorf("expired record still present, count = %d", count)
	}
}

func TestGet_TamperedCiphertext(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "session", []byte("sensitive"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Flip bytes in the stored ciphertext behind the store's back.
	_, err := store.db.ExecContext(ctx,
		`UPDATE vault_records SET ciphertext = X'DEADBEEF' WHERE record_key = ?`, "session")
	if err != nil {
		t.Fatalf("tampering record: %v", err)
	}

	_, err = store.Get(ctx, "session")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound for tampered record", err)
	}
}

func TestGet_WrongPassphrase(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "session", []byte("sensitive"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Same database, different key material. GCM authentication must
	// reject the decrypt even though the integrity hash still matches.
	other := &Store{db: store.db, passphrase: strings.Repeat("x", minPassphraseLength)}
	_, err := other.Get(ctx, "session")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound under wrong passphrase", err)
	}
}

func TestDelete(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "session", []byte("bye"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Delete(ctx, "session"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	// Deleting again is a no-op, not an error.
	if err := store.Delete(ctx, "session"); err != nil {
		t.Errorf("Delete() of absent key error = %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "dead-1", []byte("a"), -time.Hour); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "dead-2", []byte("b"), -time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "live", []byte("c"), time.Hour); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	purged, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if purged != 2 {
		t.Errorf("PurgeExpired() = %d, want 2", purged)
	}

	if _, err := store.Get(ctx, "live"); err != nil {
		t.Errorf("live record lost during purge: %v", err)
	}
}
