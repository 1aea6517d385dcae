package sqlstore

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

var (
	testStore *SQLStore
	ctx       = context.Background()
)

func SetupTestDB(t *testing.T) {
	var err error
	testStore, err = New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.Close()
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driverName: "postgres"}
	got := pg.rebind("SELECT * FROM trips WHERE booking_id = ? AND updated_at > ?")
	if want := "SELECT * FROM trips WHERE booking_id = $1 AND updated_at > $2"; got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	lite := &SQLStore{driverName: "sqlite3"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}

func TestNewUnknownDriver(t *testing.T) {
	if _, err := New("nosuchdriver", ""); err == nil {
		t.Error("Expected error for unknown driver, got nil")
	}
}
