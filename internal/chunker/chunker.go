// Package chunker folds sentences into bounded, overlapping chunks.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Policy bounds chunk sizes.
type Policy struct {
	SentMin     int `json:"sent_min" yaml:"sent_min" toml:"sent_min"`
	SentMax     int `json:"sent_max" yaml:"sent_max" toml:"sent_max"`
	CharLimit   int `json:"char_limit" yaml:"char_limit" toml:"char_limit"`
	OverlapSent int `json:"overlap_sent" yaml:"overlap_sent" toml:"overlap_sent"`
}

// DefaultPolicy returns the reference policy: 3-5 sentences, 1200 chars, one sentence of overlap.
func DefaultPolicy() Policy {
	return Policy{SentMin: 3, SentMax: 5, CharLimit: 1200, OverlapSent: 1}
}

// Validate reports whether the policy can drive an Assembler.
func (p Policy) Validate() error {
	if p.SentMin < 1 {
		return errors.New("sent_min must be >= 1")
	}
	if p.SentMin > p.SentMax {
		return errors.New("sent_min must be <= sent_max")
	}
	if p.CharLimit <= 0 {
		return errors.New("char_limit must be positive")
	}
	if p.OverlapSent < 0 {
		return errors.New("overlap_sent must be >= 0")
	}
	return nil
}

func (p Policy) full(buf []string, joinedLen int) bool {
	return len(buf) >= p.SentMin && (len(buf) >= p.SentMax || joinedLen >= p.CharLimit)
}

// carry returns the overlap a flushed buffer hands to the next chunk.
func (p Policy) carry(buf []string) string {
	if p.OverlapSent <= 0 || len(buf) == 0 {
		return ""
	}
	n := p.OverlapSent
	if n > len(buf) {
		n = len(buf)
	}
	return strings.Join(buf[len(buf)-n:], " ")
}

// Chunk is one deliverable span of consecutive sentences.
type Chunk struct {
	SessionID     string     `json:"session_id"`
	ChunkID       string     `json:"chunk_id"`
	Seq           int        `json:"seq"`
	Text          string     `json:"text"`
	OverlapPrefix string     `json:"overlap_prefix"`
	Lang          string     `json:"lang"`
	Policy        Policy     `json:"policy"`
	Hash          string     `json:"hash"`
	CreatedAt     time.Time  `json:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`

	// Sentences are the sentences absorbed into Text, in order.
	Sentences []string `json:"-"`
}

// Carry is the overlap this chunk hands to its successor under its policy.
func (c Chunk) Carry() string {
	return c.Policy.carry(c.Sentences)
}

// Hash digests (sessionID, seq, text) as hex-encoded sha256 of "sessionID|seq|text".
func Hash(sessionID string, seq int, text string) string {
	sum := sha256.Sum256([]byte(sessionID + "|" + strconv.Itoa(seq) + "|" + text))
	return hex.EncodeToString(sum[:])
}

// Assembler turns sentence batches into chunks under a fixed policy.
type Assembler struct {
	policy Policy
	newID  func() string
	clock  func() time.Time
}

// NewAssembler returns an Assembler for policy. The policy must be valid.
func NewAssembler(policy Policy) *Assembler {
	return &Assembler{policy: policy, newID: uuid.NewString, clock: time.Now}
}

// Policy returns the assembler's policy.
func (a *Assembler) Policy() Policy { return a.policy }

// Assemble folds sentences into chunks numbered from startSeq. carry is the
// overlap left by the previous chunk of the session (empty for the first).
// The trailing buffer is always flushed, even below SentMin, so no sentence
// is dropped. It returns the chunks and the carry for the next call.
func (a *Assembler) Assemble(sessionID, lang string, sentences []string, startSeq int, carry string) ([]Chunk, string) {
	var (
		chunks []Chunk
		buf    []string
		seq    = startSeq
	)
	joinedLen := 0

	flush := func() {
		text := strings.Join(buf, " ")
		chunks = append(chunks, Chunk{
			SessionID:     sessionID,
			ChunkID:       a.newID(),
			Seq:           seq,
			Text:          text,
			OverlapPrefix: carry,
			Lang:          lang,
			Policy:        a.policy,
			Hash:          Hash(sessionID, seq, text),
			CreatedAt:     a.clock().UTC(),
			Sentences:     buf,
		})
		carry = a.policy.carry(buf)
		buf = nil
		joinedLen = 0
		seq++
	}

	for _, sentence := range sentences {
		if len(buf) > 0 {
			joinedLen++
		}
		buf = append(buf, sentence)
		joinedLen += utf8.RuneCountInString(sentence)
		if a.policy.full(buf, joinedLen) {
			flush()
		}
	}
	if len(buf) > 0 {
		flush()
	}
	return chunks, carry
}
