package stores_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sitespinner/sitespinner/pkg/engine"
	"github.com/sitespinner/sitespinner/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Acquire shows two runs competing for the same destination.
func ExampleSQLiteStore_Acquire() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	lock, err := store.Acquire(ctx, "destination:peace", "run-1", time.Hour)
	if err != nil {
		log.Fatal(err)
	}

	_, err = store.Acquire(ctx, "destination:peace", "run-2", time.Hour)
	var locked *engine.LockedError
	fmt.Println(errors.As(err, &locked), locked.Holder)

	_ = lock.Release(ctx)
	_, err = store.Acquire(ctx, "destination:peace", "run-2", time.Hour)
	fmt.Println(err == nil)
	// Output:
	// true run-1
	// true
}
