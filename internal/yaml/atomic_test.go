package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestAtomicWriteRaw_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acct__abc")

	if err := AtomicWriteRaw(path, []byte("key: value\n")); err != nil {
		t.Fatalf("AtomicWriteRaw failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != "key: value\n" {
		t.Errorf("content: got %q", content)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), TempPrefix) {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestAtomicWriteRaw_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad")

	if err := AtomicWriteRaw(path, []byte("key: [unclosed\n")); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("target must not exist after failed validation")
	}
}

func TestWriteExclusive_SingleWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker")

	var wins, losses int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WriteExclusive(path, []byte("x"))
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, os.ErrExist):
				atomic.AddInt32(&losses, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners: got %d, want 1", wins)
	}
	if losses != 31 {
		t.Errorf("losers: got %d, want 31", losses)
	}
}

func TestRewriteInPlace_DoesNotCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone")

	err := RewriteInPlace(path, []byte("a: 1\n"))
	if !IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("RewriteInPlace must not create the file")
	}
}

func TestRewriteInPlace_Truncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec")
	if err := os.WriteFile(path, []byte("a long original body\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := RewriteInPlace(path, []byte("b: 2\n")); err != nil {
		t.Fatalf("RewriteInPlace: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "b: 2\n" {
		t.Errorf("content: got %q", got)
	}
}
