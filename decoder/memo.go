package decoder

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// DiscriminatorLength is the size of the account type tag
const DiscriminatorLength = 8

// MemoDiscriminator is sha256("account:Memo")[:8], the tag written by the
// memo_store program in front of every Memo account.
var MemoDiscriminator = [DiscriminatorLength]byte{161, 231, 183, 96, 66, 120, 3, 80}

// Memo is the decoded projection of one memo account
type Memo struct {
	Key       string `json:"key"`
	Owner     string `json:"owner"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Nonce     uint64 `json:"nonce"`
	Bump      uint8  `json:"bump"`

	// IndexedAtSlot is set by the store; zero on freshly decoded records.
	IndexedAtSlot uint64 `json:"indexedAtSlot,omitempty"`
}

// memoLayout mirrors the on-chain Borsh layout after the discriminator
type memoLayout struct {
	Author    solana.PublicKey
	Text      string
	Timestamp int64
	Nonce     uint64
	Bump      uint8
}

// Result is either Decoded (a memo) or NotApplicable (with a reason)
type Result struct {
	memo   *Memo
	reason string
}

// Decoded returns the memo and true when decoding succeeded
func (r Result) Decoded() (*Memo, bool) {
	return r.memo, r.memo != nil
}

// NotApplicable reports whether the input was not a memo account
func (r Result) NotApplicable() bool {
	return r.memo == nil
}

// Reason explains a NotApplicable result
func (r Result) Reason() string {
	return r.reason
}

func notApplicable(format string, args ...interface{}) Result {
	return Result{reason: fmt.Sprintf(format, args...)}
}

// Decode turns raw account data into a Memo. It never panics: short buffers,
// foreign discriminators and layout mismatches all yield NotApplicable.
func Decode(key string, data []byte) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = notApplicable("decoder panic: %v", r)
		}
	}()

	if len(data) < DiscriminatorLength {
		return notApplicable("buffer too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:DiscriminatorLength], MemoDiscriminator[:]) {
		return notApplicable("discriminator mismatch: %x", data[:DiscriminatorLength])
	}

	var layout memoLayout
	if err := bin.NewBorshDecoder(data[DiscriminatorLength:]).Decode(&layout); err != nil {
		return notApplicable("layout mismatch: %v", err)
	}
	if !utf8.ValidString(layout.Text) {
		return notApplicable("text is not valid UTF-8")
	}

	return Result{memo: &Memo{
		Key:       key,
		Owner:     layout.Author.String(),
		Text:      layout.Text,
		Timestamp: layout.Timestamp,
		Nonce:     layout.Nonce,
		Bump:      layout.Bump,
	}}
}

// Encode produces the on-chain byte layout for m, discriminator included.
// The inverse of Decode for well-formed memos.
func Encode(m *Memo) ([]byte, error) {
	author, err := solana.PublicKeyFromBase58(m.Owner)
	if err != nil {
		return nil, fmt.Errorf("invalid owner: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(MemoDiscriminator[:])
	if err := bin.NewBorshEncoder(&buf).Encode(memoLayout{
		Author:    author,
		Text:      m.Text,
		Timestamp: m.Timestamp,
		Nonce:     m.Nonce,
		Bump:      m.Bump,
	}); err != nil {
		return nil, fmt.Errorf("failed to encode memo: %w", err)
	}
	return buf.Bytes(), nil
}
