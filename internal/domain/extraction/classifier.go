package extraction

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Classifier turns document text into an ordered sequence of entities. An
// empty result is valid. Failures are returned as *ClassificationError.
type Classifier interface {
	Classify(ctx context.Context, text string) ([]Entity, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, text string) ([]Entity, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string) ([]Entity, error) {
	return f(ctx, text)
}

// Chunk is a slice of a larger document. Offset is the position of the
// chunk's first rune within the original text, counted in runes.
type Chunk struct {
	Text   string
	Offset int
}

// SplitText splits text into chunks of at most maxBytes bytes. Cuts are made
// after the last newline in the window when there is one, otherwise after the
// last whitespace, otherwise at the last rune boundary. Concatenating the
// chunk texts yields the input unchanged.
func SplitText(text string, maxBytes int) []Chunk {
	if text == "" {
		return nil
	}
	if maxBytes <= 0 || len(text) <= maxBytes {
		return []Chunk{{Text: text}}
	}

	var chunks []Chunk
	runeOffset := 0
	for len(text) > 0 {
		if len(text) <= maxBytes {
			chunks = append(chunks, Chunk{Text: text, Offset: runeOffset})
			break
		}
		cut := cutPoint(text, maxBytes)
		chunks = append(chunks, Chunk{Text: text[:cut], Offset: runeOffset})
		runeOffset += utf8.RuneCountInString(text[:cut])
		text = text[cut:]
	}
	return chunks
}

func cutPoint(text string, maxBytes int) int {
	limit := maxBytes
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	if limit == 0 {
		// a single rune wider than maxBytes; take it whole
		_, size := utf8.DecodeRuneInString(text)
		return size
	}
	window := text[:limit]
	if i := strings.LastIndexByte(window, '\n'); i > 0 {
		return i + 1
	}
	if i := strings.LastIndexFunc(window, unicode.IsSpace); i > 0 {
		_, size := utf8.DecodeRuneInString(window[i:])
		return i + size
	}
	return limit
}

// Rebase shifts the offsets of entities produced for a chunk so they refer to
// positions in the original document.
func Rebase(entities []Entity, offset int) {
	if offset == 0 {
		return
	}
	for i := range entities {
		if b := entities[i].BeginOffset; b != nil {
			v := *b + offset
			entities[i].BeginOffset = &v
		}
		if e := entities[i].EndOffset; e != nil {
			v := *e + offset
			entities[i].EndOffset = &v
		}
	}
}
