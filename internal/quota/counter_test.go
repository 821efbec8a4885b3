package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupCounter(t *testing.T) (*Counter, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCounter(client), s
}

func TestBumpIncrements(t *testing.T) {
	counter, _ := setupCounter(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := counter.Bump(ctx, FamilyMutate, "usr_1")
		if err != nil {
			t.Fatalf("Bump failed: %v", err)
		}
		if got != want {
			t.Errorf("Bump = %d, want %d", got, want)
		}
	}
}

func TestPeekDoesNotIncrement(t *testing.T) {
	counter, _ := setupCounter(t)
	ctx := context.Background()

	if count, err := counter.Peek(ctx, FamilyMutate, "usr_1"); err != nil || count != 0 {
		t.Fatalf("Peek on fresh counter = %d, %v; want 0, nil", count, err)
	}

	if _, err := counter.Bump(ctx, FamilyMutate, "usr_1"); err != nil {
		t.Fatalf("Bump failed: %v", err)
	}

	count, err := counter.Peek(ctx, FamilyMutate, "usr_1")
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Peek = %d, want 1", count)
	}
	if count, _ := counter.Peek(ctx, FamilyMutate, "usr_1"); count != 1 {
		t.Errorf("Peek incremented the counter: %d", count)
	}
}

func TestFamiliesAndUsersAreIndependent(t *testing.T) {
	counter, _ := setupCounter(t)
	ctx := context.Background()

	if _, err := counter.Bump(ctx, FamilyMutate, "usr_1"); err != nil {
		t.Fatalf("Bump failed: %v", err)
	}
	if _, err := counter.Bump(ctx, FamilyMutate, "usr_1"); err != nil {
		t.Fatalf("Bump failed: %v", err)
	}

	if count, _ := counter.Peek(ctx, FamilyExport, "usr_1"); count != 0 {
		t.Errorf("export family leaked from mutate family: %d", count)
	}
	if count, _ := counter.Peek(ctx, FamilyMutate, "usr_2"); count != 0 {
		t.Errorf("usr_2 leaked from usr_1: %d", count)
	}
}

func TestCounterResetsAtUTCMidnight(t *testing.T) {
	counter, s := setupCounter(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	counter.now = func() time.Time { return base }

	if _, err := counter.Bump(ctx, FamilyMutate, "usr_1"); err != nil {
		t.Fatalf("Bump failed: %v", err)
	}
	if count, _ := counter.Peek(ctx, FamilyMutate, "usr_1"); count != 1 {
		t.Fatalf("Peek before midnight = %d, want 1", count)
	}

	// Cross midnight: both the clock and the redis TTL advance.
	counter.now = func() time.Time { return base.Add(20 * time.Minute) }
	s.FastForward(20 * time.Minute)

	if count, _ := counter.Peek(ctx, FamilyMutate, "usr_1"); count != 0 {
		t.Errorf("Peek after midnight = %d, want 0", count)
	}
	if got, err := counter.Bump(ctx, FamilyMutate, "usr_1"); err != nil || got != 1 {
		t.Errorf("Bump after midnight = %d, %v; want 1, nil", got, err)
	}
}
