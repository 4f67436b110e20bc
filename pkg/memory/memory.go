// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

// Package memory is the client for the MAMA memory service: decisions and
// outcomes saved by agents, searched back into prompts later. Every caller
// treats the service as best-effort; a failed search or save is logged and
// never aborts the operation that triggered it.
package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/sipeed/packclaw/pkg/logger"
)

// DefaultSearchLimit applies when a caller passes limit <= 0.
const DefaultSearchLimit = 5

// Entry is one memory to save.
type Entry struct {
	Type       string  `json:"type,omitempty"`
	Topic      string  `json:"topic,omitempty"`
	Decision   string  `json:"decision"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Outcome    string  `json:"outcome,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// SaveResult reports whether a save landed and under which id.
type SaveResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
}

// SearchResult is one scored memory.
type SearchResult struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
	Topic      string  `json:"topic,omitempty"`
	Decision   string  `json:"decision,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Outcome    string  `json:"outcome,omitempty"`
}

// Client is the memory service surface the core depends on.
type Client interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	Save(ctx context.Context, entry Entry) (SaveResult, error)
}

// record is the wire shape of one JSONL line.
type record struct {
	ID         string    `json:"id"`
	Type       string    `json:"type,omitempty"`
	Topic      string    `json:"topic,omitempty"`
	Decision   string    `json:"decision"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}

// FileStore is the default Client: an append-only JSONL file with naive
// token-overlap scoring. Good enough for a single host; swap in a real
// service client for anything bigger.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Save appends the entry as a single JSON line.
func (fs *FileStore) Save(_ context.Context, entry Entry) (SaveResult, error) {
	if strings.TrimSpace(entry.Decision) == "" {
		return SaveResult{}, fmt.Errorf("memory: entry needs a decision")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec := record{
		ID:         "mem_" + uuid.NewString()[:8],
		Type:       entry.Type,
		Topic:      entry.Topic,
		Decision:   entry.Decision,
		Reasoning:  entry.Reasoning,
		Outcome:    entry.Outcome,
		Confidence: entry.Confidence,
		SavedAt:    fs.now(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return SaveResult{}, fmt.Errorf("memory: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return SaveResult{}, fmt.Errorf("memory: create directory: %w", err)
	}
	f, err := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return SaveResult{}, fmt.Errorf("memory: open for append: %w", err)
	}
	_, writeErr := f.Write(line)
	closeErr := f.Close()
	if writeErr != nil {
		return SaveResult{}, fmt.Errorf("memory: append entry: %w", writeErr)
	}
	if closeErr != nil {
		return SaveResult{}, fmt.Errorf("memory: close file: %w", closeErr)
	}
	return SaveResult{Success: true, ID: rec.ID}, nil
}

// Search scores every stored entry against the query by token overlap and
// returns the top matches, newest first among equal scores.
func (fs *FileStore) Search(_ context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	fs.mu.Lock()
	records, err := fs.readAll()
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}

	type scored struct {
		rec   record
		score float64
		order int
	}
	var matches []scored
	for i, rec := range records {
		score := overlap(queryTokens, tokenize(strings.Join(
			[]string{rec.Topic, rec.Decision, rec.Reasoning, rec.Outcome}, " ")))
		if score <= 0 {
			continue
		}
		matches = append(matches, scored{rec: rec, score: score, order: i})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].order > matches[j].order
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		out = append(out, SearchResult{
			ID:         m.rec.ID,
			Similarity: m.score,
			Topic:      m.rec.Topic,
			Decision:   m.rec.Decision,
			Reasoning:  m.rec.Reasoning,
			Outcome:    m.rec.Outcome,
		})
	}
	return out, nil
}

// readAll loads every valid line. Malformed lines (crash-truncated writes)
// are skipped, the standard JSONL recovery pattern.
func (fs *FileStore) readAll() ([]record, error) {
	f, err := os.Open(fs.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: open file: %w", err)
	}
	defer f.Close()

	var records []record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if json.Unmarshal(line, &rec) != nil {
			continue
		}
		records = append(records, rec)
	}
	if scanner.Err() != nil {
		return nil, fmt.Errorf("memory: scan file: %w", scanner.Err())
	}
	return records, nil
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// overlap is Jaccard similarity over token sets.
func overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, tok := range a {
		setA[tok] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, tok := range b {
		setB[tok] = struct{}{}
	}

	shared := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// InjectContext prepends the top memory matches to a prompt. Any failure
// returns the prompt untouched.
func InjectContext(ctx context.Context, client Client, prompt string, limit int) string {
	if client == nil {
		return prompt
	}
	results, err := client.Search(ctx, prompt, limit)
	if err != nil {
		logger.WarnCF("memory", "Search failed, skipping context injection", map[string]any{
			"error": err.Error(),
		})
		return prompt
	}
	if len(results) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString("Relevant memory:\n")
	for _, r := range results {
		b.WriteString("- ")
		if r.Topic != "" {
			b.WriteString(r.Topic)
			b.WriteString(": ")
		}
		b.WriteString(r.Decision)
		if r.Outcome != "" {
			b.WriteString(" (outcome: ")
			b.WriteString(r.Outcome)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}
