package vault

import (
	"context"
	"os"
	"testing"

	tribtesting "github.com/tributelabs/tributary/pkg/testing"
)

var testDB *tribtesting.DB

func TestMain(m *testing.M) {
	log := tribtesting.NewLogger()

	db, err := tribtesting.NewDB(context.Background(), log)
	if err != nil {
		log.Error("failed to start test database", "error", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	db.Close()
	os.Exit(code)
}
