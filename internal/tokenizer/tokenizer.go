// Package tokenizer estimates token counts for requests whose upstream
// response omitted a usage block (aborted streams, engines with usage
// reporting disabled). Estimates are flagged as such in usage records.
package tokenizer

import (
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/rs/zerolog/log"
)

// Counter turns text into a token count.
type Counter interface {
	Count(text string) (int, error)
}

// charsPerToken is the rough English-text ratio used by the fallback
// estimator.
const charsPerToken = 4.0

// Estimator is the zero-dependency fallback: ceil(len/4).
type Estimator struct{}

func (Estimator) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken)), nil
}

// encodingName is a fixed approximation; local models ship their own
// vocabularies, but cl100k is close enough for accounting purposes.
const encodingName = "cl100k_base"

// BPE counts with an offline cl100k_base encoding so no network fetch
// happens at runtime.
type BPE struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func (b *BPE) Count(text string) (int, error) {
	b.once.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
		b.enc, b.err = tiktoken.GetEncoding(encodingName)
	})
	if b.err != nil {
		return 0, b.err
	}
	return len(b.enc.Encode(text, nil, nil)), nil
}

// New returns the BPE counter wrapped with the estimator fallback.
func New() Counter {
	return &fallback{primary: &BPE{}, secondary: Estimator{}}
}

type fallback struct {
	primary   Counter
	secondary Counter
	warnOnce  sync.Once
}

func (f *fallback) Count(text string) (int, error) {
	n, err := f.primary.Count(text)
	if err == nil {
		return n, nil
	}
	f.warnOnce.Do(func() {
		log.Warn().Err(err).Msg("BPE tokenizer unavailable, falling back to character estimate")
	})
	return f.secondary.Count(text)
}
