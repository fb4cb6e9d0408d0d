package compress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

var proofJSON = []byte(`{"audit_id":"9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08","is_verified":true,"auditor_id":"agent1"}`)

func TestZSTD_RoundTrip(t *testing.T) {
	for _, level := range []Level{LevelFastest, LevelDefault, LevelBest} {
		z, err := NewZSTD(level, 0)
		if err != nil {
			t.Fatalf("NewZSTD(%d) error = %v", level, err)
		}
		packed, err := z.Compress(proofJSON)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		out, err := z.Decompress(packed)
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}
		if !bytes.Equal(out, proofJSON) {
			t.Errorf("level %d: round trip mismatch", level)
		}
	}
}

func TestZSTD_RepetitivePayloadShrinks(t *testing.T) {
	data := []byte(strings.Repeat(string(proofJSON), 200))
	packed, err := DefaultZSTD.Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) >= len(data)/10 {
		t.Errorf("compressed poorly: %d -> %d", len(data), len(packed))
	}
}

func TestZSTD_DecodeLimit(t *testing.T) {
	z, err := NewZSTD(LevelDefault, 1024)
	if err != nil {
		t.Fatal(err)
	}
	packed, _ := z.Compress(make([]byte, 64<<10))
	if _, err := z.Decompress(packed); err == nil {
		t.Error("Decompress should refuse output past the limit")
	}

	small, _ := z.Compress(proofJSON)
	if _, err := z.Decompress(small); err != nil {
		t.Errorf("small payload: %v", err)
	}
}

func TestZSTD_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			packed, err := DefaultZSTD.Compress(proofJSON)
			if err != nil {
				t.Error(err)
				return
			}
			out, err := DefaultZSTD.Decompress(packed)
			if err != nil || !bytes.Equal(out, proofJSON) {
				t.Error("concurrent round trip failed")
			}
		}()
	}
	wg.Wait()
}

func TestZSTD_Garbage(t *testing.T) {
	if _, err := DefaultZSTD.Decompress([]byte("not zstd")); err == nil {
		t.Error("expected error for invalid zstd data")
	}
	if DefaultZSTD.ContentEncoding() != "zstd" {
		t.Errorf("ContentEncoding = %q", DefaultZSTD.ContentEncoding())
	}
}

func BenchmarkZSTD_Compress(b *testing.B) {
	data := []byte(strings.Repeat(string(proofJSON), 50))
	for b.Loop() {
		_, _ = DefaultZSTD.Compress(data)
	}
}
