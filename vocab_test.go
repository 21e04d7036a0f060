package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTokens = []string{"<s>", "<e>", "<unk>", "a", "b", "c", "d", "e", "f"}

func writeVocab(t *testing.T, dir string, tokens []string) string {
	t.Helper()
	path := filepath.Join(dir, "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(tokens, "\n")+"\n"), 0o644))
	return path
}

func TestVocabEncodeDecode(t *testing.T) {
	v, err := NewVocab(testTokens, 2)
	require.NoError(t, err)

	assert.Equal(t, 9, v.VocabSize())
	assert.Equal(t, []int{3, 5, 2}, v.Encode([]string{"a", "c", "zzz"}))
	assert.Equal(t, []string{"a", "c", "<unk>", "<unk>"}, v.Decode([]int{3, 5, 99, -1}))
}

func TestVocabDuplicatesKeepFirstID(t *testing.T) {
	v, err := NewVocab([]string{"<s>", "<e>", "<unk>", "<s>"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, v.Encode([]string{"<s>"}))
}

func TestVocabBadUnk(t *testing.T) {
	_, err := NewVocab(testTokens, 9)
	assert.Error(t, err)
}

func TestLoadVocab(t *testing.T) {
	path := writeVocab(t, t.TempDir(), testTokens)

	v, err := LoadVocab(path, []string{"<s>", "<e>", "<unk>"}, 2)
	require.NoError(t, err)
	assert.Equal(t, len(testTokens), v.VocabSize())
	assert.Equal(t, []int{8}, v.Encode([]string{"f"}))
}

func TestLoadVocabSpecialTokens(t *testing.T) {
	path := writeVocab(t, t.TempDir(), []string{"<e>", "<s>", "<unk>", "a"})

	_, err := LoadVocab(path, []string{"<s>", "<e>", "<unk>"}, 2)
	assert.ErrorIs(t, err, ErrBadVocab)

	_, err = LoadVocab(filepath.Join(t.TempDir(), "missing"), nil, 0)
	assert.Error(t, err)
}
