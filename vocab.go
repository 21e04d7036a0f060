package main

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ErrBadVocab indicates a vocabulary file that does not start with the
// configured special tokens.
var ErrBadVocab = errors.New("vocab: special tokens missing")

// Vocab maps whitespace-separated tokens to ids. The id of a token is its
// line number in the vocabulary file; the first lines hold the special
// tokens.
type Vocab struct {
	tokenToID map[string]int
	idToToken []string
	unkIdx    int
}

// NewVocab builds a vocabulary from an ordered token list.
func NewVocab(tokens []string, unkIdx int) (*Vocab, error) {
	if unkIdx < 0 || unkIdx >= len(tokens) {
		return nil, errors.Errorf("vocab: unk_idx %d out of range [0,%d)", unkIdx, len(tokens))
	}
	v := &Vocab{
		tokenToID: make(map[string]int, len(tokens)),
		idToToken: append([]string(nil), tokens...),
		unkIdx:    unkIdx,
	}
	for id, tok := range tokens {
		// First occurrence wins so duplicates cannot shadow special tokens.
		if _, seen := v.tokenToID[tok]; !seen {
			v.tokenToID[tok] = id
		}
	}
	return v, nil
}

// LoadVocab reads one token per line and checks that the file starts with
// specialTokens in order.
func LoadVocab(filename string, specialTokens []string, unkIdx int) (*Vocab, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "vocab: open")
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r\n"))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "vocab: read %s", filename)
	}

	for i, want := range specialTokens {
		if i >= len(tokens) || tokens[i] != want {
			return nil, errors.Wrapf(ErrBadVocab, "%s: line %d should be %q", filename, i+1, want)
		}
	}
	return NewVocab(tokens, unkIdx)
}

// Encode converts tokens to ids, mapping unknown tokens to the unk id.
func (v *Vocab) Encode(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		id, ok := v.tokenToID[tok]
		if !ok {
			id = v.unkIdx
		}
		ids[i] = id
	}
	return ids
}

// Decode converts ids back to tokens. Out-of-range ids decode to the unk
// token.
func (v *Vocab) Decode(ids []int) []string {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(v.idToToken) {
			id = v.unkIdx
		}
		tokens[i] = v.idToToken[id]
	}
	return tokens
}

// VocabSize returns vocabulary size.
func (v *Vocab) VocabSize() int {
	return len(v.idToToken)
}
