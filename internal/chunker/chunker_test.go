package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
)

func sentences(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("Sentence %d.", i+1)
	}
	return out
}

func TestAssembleScenarioA(t *testing.T) {
	a := NewAssembler(Policy{SentMin: 3, SentMax: 5, CharLimit: 1200, OverlapSent: 1})
	input := sentences(10)

	chunks, carry := a.Assemble("s1", "en-US", input, 1, "")
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Seq != i+1 {
			t.Fatalf("chunk %d: expected seq %d, got %d", i, i+1, ch.Seq)
		}
		if len(ch.Sentences) != 5 {
			t.Fatalf("chunk %d: expected 5 sentences, got %d", i, len(ch.Sentences))
		}
		if ch.Lang != "en-US" {
			t.Fatalf("chunk %d: unexpected lang %q", i, ch.Lang)
		}
	}
	if chunks[0].OverlapPrefix != "" {
		t.Fatalf("first chunk must have empty overlap, got %q", chunks[0].OverlapPrefix)
	}
	if chunks[1].OverlapPrefix != input[4] {
		t.Fatalf("expected overlap %q, got %q", input[4], chunks[1].OverlapPrefix)
	}
	if carry != input[9] {
		t.Fatalf("expected carry %q, got %q", input[9], carry)
	}
}

func TestAssembleScenarioB(t *testing.T) {
	a := NewAssembler(DefaultPolicy())
	input := sentences(2)

	chunks, _ := a.Assemble("s1", "ru-RU", input, 1, "")
	if len(chunks) != 1 {
		t.Fatalf("expected single chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "Sentence 1. Sentence 2." {
		t.Fatalf("unexpected text %q", chunks[0].Text)
	}
}

func TestAssembleCharLimit(t *testing.T) {
	long := strings.Repeat("x", 50) + "."
	a := NewAssembler(Policy{SentMin: 2, SentMax: 10, CharLimit: 100, OverlapSent: 0})

	chunks, carry := a.Assemble("s1", "en", []string{long, long, long, long, long}, 1, "")
	// two sentences join to 103 chars, which crosses the limit once sent_min is met
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for _, ch := range chunks {
		if ch.OverlapPrefix != "" {
			t.Fatalf("overlap disabled but got %q", ch.OverlapPrefix)
		}
	}
	if len(chunks[2].Sentences) != 1 {
		t.Fatalf("expected trailing chunk of 1 sentence, got %d", len(chunks[2].Sentences))
	}
	if carry != "" {
		t.Fatalf("expected empty carry, got %q", carry)
	}
}

func TestAssembleInvariants(t *testing.T) {
	policies := []Policy{
		{SentMin: 1, SentMax: 1, CharLimit: 10, OverlapSent: 1},
		{SentMin: 3, SentMax: 5, CharLimit: 1200, OverlapSent: 1},
		{SentMin: 2, SentMax: 4, CharLimit: 30, OverlapSent: 0},
		{SentMin: 3, SentMax: 3, CharLimit: 1200, OverlapSent: 2},
	}
	for _, p := range policies {
		for n := 1; n <= 17; n++ {
			a := NewAssembler(p)
			input := sentences(n)
			chunks, _ := a.Assemble("sess", "en", input, 7, "")

			var texts []string
			seen := map[string]bool{}
			for i, ch := range chunks {
				if ch.Seq != 7+i {
					t.Fatalf("policy %+v n=%d: seq gap at %d: %d", p, n, i, ch.Seq)
				}
				if ch.Hash != Hash("sess", ch.Seq, ch.Text) {
					t.Fatalf("hash not reproducible for seq %d", ch.Seq)
				}
				if seen[ch.Hash] {
					t.Fatalf("hash collision for seq %d", ch.Seq)
				}
				seen[ch.Hash] = true
				if seen[ch.ChunkID] {
					t.Fatalf("duplicate chunk id %s", ch.ChunkID)
				}
				seen[ch.ChunkID] = true

				switch {
				case i == 0:
					if ch.OverlapPrefix != "" {
						t.Fatalf("first chunk overlap must be empty")
					}
				case p.OverlapSent == 0:
					if ch.OverlapPrefix != "" {
						t.Fatalf("overlap disabled but chunk %d has %q", i, ch.OverlapPrefix)
					}
				default:
					prev := chunks[i-1].Sentences
					k := p.OverlapSent
					if k > len(prev) {
						k = len(prev)
					}
					want := strings.Join(prev[len(prev)-k:], " ")
					if ch.OverlapPrefix != want {
						t.Fatalf("chunk %d overlap %q, want %q", i, ch.OverlapPrefix, want)
					}
				}
				texts = append(texts, ch.Text)
			}
			if got, want := strings.Join(texts, " "), strings.Join(input, " "); got != want {
				t.Fatalf("policy %+v n=%d: reconstruction mismatch\n got  %q\n want %q", p, n, got, want)
			}
		}
	}
}

func TestAssembleCarriesAcrossCalls(t *testing.T) {
	a := NewAssembler(Policy{SentMin: 2, SentMax: 2, CharLimit: 1200, OverlapSent: 1})

	first, carry := a.Assemble("s", "en", sentences(3), 1, "")
	if len(first) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(first))
	}
	second, _ := a.Assemble("s", "en", []string{"Another one."}, first[len(first)-1].Seq+1, carry)
	if second[0].Seq != 3 {
		t.Fatalf("expected seq 3, got %d", second[0].Seq)
	}
	if second[0].OverlapPrefix != "Sentence 3." {
		t.Fatalf("expected carried overlap, got %q", second[0].OverlapPrefix)
	}
	if first[1].Carry() != "Sentence 3." {
		t.Fatalf("Carry() mismatch: %q", first[1].Carry())
	}
}

func TestAssembleEmpty(t *testing.T) {
	a := NewAssembler(DefaultPolicy())
	chunks, carry := a.Assemble("s", "en", nil, 1, "keep")
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
	if carry != "keep" {
		t.Fatalf("carry must pass through untouched, got %q", carry)
	}
}

func TestHash(t *testing.T) {
	sum := sha256.Sum256([]byte("s1|1|hello"))
	want := hex.EncodeToString(sum[:])
	got := Hash("s1", 1, "hello")
	if got != want {
		t.Fatalf("Hash = %s, want %s", got, want)
	}
	if got == Hash("s1", 2, "hello") || got == Hash("s1", 1, "hello!") || got == Hash("s2", 1, "hello") {
		t.Fatal("hash must depend on every component")
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		policy  Policy
		wantErr bool
	}{
		{DefaultPolicy(), false},
		{Policy{SentMin: 0, SentMax: 1, CharLimit: 1}, true},
		{Policy{SentMin: 3, SentMax: 2, CharLimit: 1}, true},
		{Policy{SentMin: 1, SentMax: 2, CharLimit: 0}, true},
		{Policy{SentMin: 1, SentMax: 2, CharLimit: 5, OverlapSent: -1}, true},
		{Policy{SentMin: 1, SentMax: 1, CharLimit: 5, OverlapSent: 3}, false},
	}
	for _, tt := range tests {
		err := tt.policy.Validate()
		if (err != nil) != tt.wantErr {
			t.Fatalf("Validate(%+v) error = %v, wantErr %v", tt.policy, err, tt.wantErr)
		}
	}
}
