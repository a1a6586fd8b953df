package store

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// KnowledgeDoc is one piece of group-scoped reference material.
type KnowledgeDoc struct {
	GroupFolder string
	Filename    string
	Title       string
	Content     string
	SizeChars   int
	CreatedAt   int64
	UpdatedAt   int64
}

// UpsertKnowledgeDoc creates or replaces a doc identified by (group, filename).
func (s *Store) UpsertKnowledgeDoc(ctx context.Context, d KnowledgeDoc, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_docs (group_folder, filename, title, content, size_chars, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_folder, filename) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			size_chars = excluded.size_chars,
			updated_at = excluded.updated_at
	`, d.GroupFolder, d.Filename, d.Title, d.Content, len(d.Content), d.CreatedAt, nowMillis)
	if err != nil {
		return errors.Wrap(err, "upsert knowledge doc")
	}
	return nil
}

// SearchKnowledgeDocs ranks a group's docs by keyword overlap with query
// and returns the top `limit`. A simple keyword scorer, not full-text
// search: knowledge injection is best-effort and its failures are
// swallowed upstream.
func (s *Store) SearchKnowledgeDocs(ctx context.Context, group, query string, limit int) ([]KnowledgeDoc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_folder, filename, title, content, size_chars, created_at, updated_at
		FROM knowledge_docs WHERE group_folder = ?
	`, group)
	if err != nil {
		return nil, errors.Wrap(err, "list knowledge docs for search")
	}
	defer rows.Close()

	var docs []KnowledgeDoc
	for rows.Next() {
		var d KnowledgeDoc
		if err := rows.Scan(&d.GroupFolder, &d.Filename, &d.Title, &d.Content, &d.SizeChars, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan knowledge doc")
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	terms := keywordSet(query)
	if len(terms) == 0 || len(docs) == 0 {
		return nil, nil
	}

	type scored struct {
		doc   KnowledgeDoc
		score int
	}
	var ranked []scored
	for _, d := range docs {
		hay := strings.ToLower(d.Title + " " + d.Content)
		score := 0
		for term := range terms {
			score += strings.Count(hay, term)
		}
		if score > 0 {
			ranked = append(ranked, scored{d, score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]KnowledgeDoc, len(ranked))
	for i, r := range ranked {
		out[i] = r.doc
	}
	return out, nil
}

func keywordSet(query string) map[string]bool {
	fields := strings.Fields(strings.ToLower(query))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) >= 3 {
			set[f] = true
		}
	}
	return set
}
