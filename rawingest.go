package silas

import (
	"context"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const defaultIngestChunkTokens = 512

// RawIngestor writes conversation text into raw memory as it happens:
// inbound messages and outbound responses are segmented at markdown block
// boundaries and stored unindexed for later extraction.
type RawIngestor struct {
	store     MemoryStore
	maxTokens int
	parser    goldmark.Markdown
	logger    *slog.Logger
}

// RawIngestOption configures a RawIngestor.
type RawIngestOption func(*RawIngestor)

// WithIngestChunkTokens sets the approximate chunk size. Default: 512.
func WithIngestChunkTokens(n int) RawIngestOption {
	return func(r *RawIngestor) { r.maxTokens = n }
}

// WithIngestLogger sets the structured logger.
func WithIngestLogger(l *slog.Logger) RawIngestOption {
	return func(r *RawIngestor) { r.logger = l }
}

// NewRawIngestor creates an ingestor writing through the memory store.
func NewRawIngestor(store MemoryStore, opts ...RawIngestOption) *RawIngestor {
	r := &RawIngestor{
		store:     store,
		maxTokens: defaultIngestChunkTokens,
		parser:    goldmark.New(),
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IngestTurn segments one turn's text and stores each chunk. Ingest is
// best-effort: store failures are logged, never surfaced to the turn.
func (r *RawIngestor) IngestTurn(ctx context.Context, scope string, turn int, source string, taint Taint, content string) {
	for _, chunk := range r.segment(content) {
		item := RawMemoryItem{
			ID:        NewID(),
			Scope:     scope,
			Turn:      turn,
			Content:   chunk,
			Source:    source,
			Taint:     taint,
			CreatedAt: NowUnix(),
		}
		if _, err := r.store.StoreRaw(ctx, item); err != nil {
			r.logger.Warn("raw ingest write failed", "scope", scope, "turn", turn, "error", err)
			return
		}
	}
}

// segment splits text at markdown block boundaries, starting a new chunk
// at each heading, merging small blocks up to the size limit. Text the
// parser yields no blocks for falls back to fixed-size chunks.
func (r *RawIngestor) segment(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	maxChars := r.maxTokens * 4
	if len(content) <= maxChars {
		return []string{content}
	}

	src := []byte(content)
	doc := r.parser.Parser().Parse(text.NewReader(src))

	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		block, ok := blockText(n, src)
		if !ok {
			continue
		}
		atHeading := n.Kind() == ast.KindHeading
		if atHeading || current.Len()+len(block)+2 > maxChars {
			flush()
		}
		if len(block) > maxChars {
			chunks = append(chunks, fixedChunks(block, maxChars)...)
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(block)
	}
	flush()

	if len(chunks) == 0 {
		return fixedChunks(content, maxChars)
	}
	return chunks
}

// blockText recovers a top-level block's source text from its line
// segments, descending into container nodes (lists, quotes) that carry
// no lines themselves.
func blockText(n ast.Node, src []byte) (string, bool) {
	start, stop, ok := blockSpan(n, src)
	if !ok || start >= stop {
		return "", false
	}
	return strings.TrimSpace(string(src[start:stop])), true
}

func blockSpan(n ast.Node, src []byte) (int, int, bool) {
	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		return lines.At(0).Start, lines.At(lines.Len() - 1).Stop, true
	}
	start, stop, found := 0, 0, false
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		s, e, ok := blockSpan(c, src)
		if !ok {
			continue
		}
		if !found || s < start {
			start = s
		}
		if e > stop {
			stop = e
		}
		found = true
	}
	return start, stop, found
}

// fixedChunks splits text into rune-safe pieces of at most maxChars
// bytes, breaking at whitespace when one is near.
func fixedChunks(s string, maxChars int) []string {
	var chunks []string
	for len(s) > maxChars {
		cut := maxChars
		if idx := strings.LastIndexAny(s[:maxChars], " \n\t"); idx > maxChars/2 {
			cut = idx
		}
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxChars
		}
		chunks = append(chunks, strings.TrimSpace(s[:cut]))
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
