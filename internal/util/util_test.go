package util

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{name: "outbox ID format", prefix: "ob_", hexLength: 24, wantLength: 27},
		{name: "custom prefix", prefix: "test_", hexLength: 16, wantLength: 21},
		{name: "zero length", prefix: "x_", hexLength: 0, wantLength: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("id %q missing prefix %q", id, tt.prefix)
			}
			if len(id) != tt.wantLength {
				t.Errorf("len(%q) = %d, want %d", id, len(id), tt.wantLength)
			}
			for _, c := range id[len(tt.prefix):] {
				if !strings.ContainsRune("0123456789abcdef", c) {
					t.Errorf("non-hex character %q in %q", c, id)
				}
			}
		})
	}
}

func TestEnvParsers(t *testing.T) {
	t.Setenv("CP_BOOL", "Yes")
	t.Setenv("CP_DUR", "90s")
	t.Setenv("CP_BAD_DUR", "soon")
	t.Setenv("CP_INT", "42")
	t.Setenv("CP_LIST", " a, ,b ,c")

	if !ParseBoolEnv("CP_BOOL", false) {
		t.Error("expected true")
	}
	if got := ParseDurationEnv("CP_DUR", time.Second); got != 90*time.Second {
		t.Errorf("duration = %v", got)
	}
	if got := ParseDurationEnv("CP_BAD_DUR", time.Second); got != time.Second {
		t.Errorf("invalid duration should fall back, got %v", got)
	}
	if got := ParseIntEnv("CP_INT", 1); got != 42 {
		t.Errorf("int = %d", got)
	}
	if got := ParseListEnv("CP_LIST"); strings.Join(got, "|") != "a|b|c" {
		t.Errorf("list = %v", got)
	}
	if got := ParseListEnv("CP_UNSET_LIST"); got != nil {
		t.Errorf("unset list = %v", got)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("u1")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	km.mu.Lock()
	held := len(km.entries)
	km.mu.Unlock()
	if held != 0 {
		t.Errorf("expected entries to be released, got %d", held)
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}
