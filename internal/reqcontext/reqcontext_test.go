package reqcontext

import (
	"context"
	"errors"
	"testing"

	"github.com/shovelrun/shovel/internal/cookiejar"
	"github.com/shovelrun/shovel/internal/shoveler"
)

func TestRunBindsJar(t *testing.T) {
	jar := cookiejar.New("a=1")
	err := Run(context.Background(), jar, func(ctx context.Context) error {
		if Jar(ctx) != jar {
			t.Fatalf("expected bound jar to be returned")
		}
		if Depth(ctx) != 0 {
			t.Fatalf("expected depth 0 at entry")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestJarAbsentOutsideRun(t *testing.T) {
	if Jar(context.Background()) != nil {
		t.Fatalf("expected nil jar outside Run")
	}
}

func TestRecursionCapAtTen(t *testing.T) {
	jar := cookiejar.New("")
	_ = Run(context.Background(), jar, func(ctx context.Context) error {
		cur := ctx
		for i := 0; i < MaxRecursionDepth; i++ {
			next, err := EnterFetch(cur)
			if err != nil {
				t.Fatalf("depth %d: unexpected error %v", i, err)
			}
			cur = next
		}
		if _, err := EnterFetch(cur); !errors.Is(err, shoveler.RecursionExceeded) {
			t.Fatalf("expected RecursionExceeded at depth %d, got %v", MaxRecursionDepth, err)
		}
		return nil
	})
}

func TestEnterFetchPreservesJar(t *testing.T) {
	jar := cookiejar.New("")
	_ = Run(context.Background(), jar, func(ctx context.Context) error {
		next, err := EnterFetch(ctx)
		if err != nil {
			t.Fatalf("enter fetch: %v", err)
		}
		if Jar(next) != jar {
			t.Fatalf("expected jar to survive EnterFetch")
		}
		if Depth(next) != 1 {
			t.Fatalf("expected depth 1, got %d", Depth(next))
		}
		return nil
	})
}
