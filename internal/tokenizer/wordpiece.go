package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxCharsPerWord = 100

// #region wordpiece
// WordPiece is a greedy longest-match-first subword tokenizer over a BERT
// vocabulary, preceded by basic whitespace/punctuation splitting.
type WordPiece struct {
	vocab     map[string]int
	lowerCase bool
	unkID     int
}

// NewWordPiece builds a tokenizer from an in-memory vocabulary. The vocabulary
// must contain UNK.
func NewWordPiece(vocab map[string]int, lowerCase bool) (*WordPiece, error) {
	unk, ok := vocab[UNK]
	if !ok {
		return nil, fmt.Errorf("vocab has no %s token", UNK)
	}
	return &WordPiece{vocab: vocab, lowerCase: lowerCase, unkID: unk}, nil
}

// LoadWordPiece reads a vocab.txt (one token per line, id = line number).
func LoadWordPiece(path string, lowerCase bool) (*WordPiece, error) {
	vocab, err := LoadVocab(path)
	if err != nil {
		return nil, err
	}
	return NewWordPiece(vocab, lowerCase)
}

// LoadVocab reads a vocab.txt file.
func LoadVocab(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab %s: %w", path, err)
	}
	defer f.Close()

	vocab := make(map[string]int)
	sc := bufio.NewScanner(f)
	for i := 0; sc.Scan(); i++ {
		tok := strings.TrimRight(sc.Text(), "\r\n")
		if _, dup := vocab[tok]; !dup {
			vocab[tok] = i
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}
	return vocab, nil
}

// Size returns the vocabulary size.
func (w *WordPiece) Size() int {
	return len(w.vocab)
}

// Tokenize implements Tokenizer.
func (w *WordPiece) Tokenize(text string) []string {
	var out []string
	for _, word := range w.basicTokenize(text) {
		out = append(out, w.wordPiece(word)...)
	}
	return out
}

// ConvertTokensToIDs implements Tokenizer.
func (w *WordPiece) ConvertTokensToIDs(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, t := range tokens {
		id, ok := w.vocab[t]
		if !ok {
			id = w.unkID
		}
		ids[i] = id
	}
	return ids
}

// #endregion wordpiece

// #region basic
var stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))

func (w *WordPiece) basicTokenize(text string) []string {
	text = cleanText(text)
	var words []string
	for _, tok := range strings.Fields(text) {
		if w.lowerCase {
			tok = strings.ToLower(tok)
			if s, _, err := transform.String(stripAccents, tok); err == nil {
				tok = s
			}
		}
		words = append(words, splitPunct(tok)...)
	}
	return words
}

func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar:
			continue
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func splitPunct(tok string) []string {
	var out []string
	var cur []rune
	for _, r := range tok {
		if isPunct(r) {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
			out = append(out, string(r))
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

// isPunct treats all non-alphanumeric ASCII as punctuation, matching BERT.
func isPunct(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

// #endregion basic

// #region greedy
func (w *WordPiece) wordPiece(word string) []string {
	chars := []rune(word)
	if len(chars) > maxCharsPerWord {
		return []string{UNK}
	}

	var pieces []string
	for start := 0; start < len(chars); {
		end := len(chars)
		cur := ""
		for start < end {
			sub := string(chars[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := w.vocab[sub]; ok {
				cur = sub
				break
			}
			end--
		}
		if cur == "" {
			return []string{UNK}
		}
		pieces = append(pieces, cur)
		start = end
	}
	return pieces
}

// #endregion greedy
