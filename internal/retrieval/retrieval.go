// Package retrieval is the Retrieval Engine (spec §4.5): hybrid
// vector+keyword search over knowledge_items with reciprocal rank
// fusion and a dual-gate relevance filter, plus the ingestion path that
// populates the table. It owns its own pgx pool directly against
// knowledge_items and never goes through the Internal RPC layer, since
// the HTL pipeline and retrieval run in the same process (grounded on
// original_source/llm-go/pipeline/pipeline.go's Runner holding a
// *knowledge.Service in-process).
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"whatsapp-funnel/internal/ids"
)

// EmbeddingDim and the rank constant (60) below match
// original_source/llm-go/knowledge/knowledge.go exactly; the RRF
// constant is conventional and not meant to be tuned per tenant.
const rrfConstant = 60

// Item is one retrieved knowledge chunk, scored and tagged with which
// retrieval arm qualified it.
type Item struct {
	ID      string
	Title   string
	Content string
	Score   float64
	Reason  string // "semantic" or "keyword"
}

type Service struct {
	Pool     *pgxpool.Pool
	Embedder Embedder
}

func New(pool *pgxpool.Pool, embedder Embedder) *Service {
	return &Service{Pool: pool, Embedder: embedder}
}

// IngestMarkdown splits on blank lines (spec §4.5 ingestion, mirroring
// splitMarkdown in the original) and embeds+stores each non-empty
// paragraph.
func (s *Service) IngestMarkdown(ctx context.Context, tenantID, titlePrefix, text string) (int, error) {
	return s.saveSplits(ctx, splitMarkdown(text), tenantID, titlePrefix)
}

// IngestPlainText recursively windows text into size/overlap chunks
// (spec §4.5 ingestion, mirroring recursiveSplit) before embedding,
// used for PDF-extracted or other unstructured text.
func (s *Service) IngestPlainText(ctx context.Context, tenantID, titlePrefix, text string) (int, error) {
	return s.saveSplits(ctx, recursiveSplit(text, 1000, 200), tenantID, titlePrefix)
}

func (s *Service) saveSplits(ctx context.Context, splits []string, tenantID, titlePrefix string) (int, error) {
	if s.Pool == nil || s.Embedder == nil {
		return 0, fmt.Errorf("retrieval: pool and embedder are required")
	}
	title := titlePrefix
	if title == "" {
		title = "General Knowledge"
	}
	count := 0
	for _, content := range splits {
		vec, err := s.Embedder.EmbedDocument(ctx, content)
		if err != nil {
			return count, fmt.Errorf("embed document chunk %d: %w", count, err)
		}
		vector := ProcessVector(vec, EmbeddingDim)
		_, err = s.Pool.Exec(ctx, `INSERT INTO knowledge_items (id, organization_id, title, content, embedding, metadata)
			VALUES ($1,$2,$3,$4,$5,'{}')`, ids.New(), tenantID, title, content, floatSliceToPGVector(vector))
		if err != nil {
			return count, fmt.Errorf("insert knowledge item: %w", err)
		}
		count++
	}
	return count, nil
}

// Search runs the hybrid RRF query and applies the dual-gate filter
// (spec §4.5 invariants): a candidate survives if its cosine similarity
// clears vectorThreshold OR its keyword rank is within
// keywordRankThreshold, independent of the final rrf_score ordering.
func (s *Service) Search(ctx context.Context, query, tenantID string, topK int, vectorThreshold float64, keywordRankThreshold int) ([]Item, error) {
	if s.Pool == nil || s.Embedder == nil {
		return nil, fmt.Errorf("retrieval: pool and embedder are required")
	}
	qv, err := s.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	qv = ProcessVector(qv, EmbeddingDim)
	vec := floatSliceToPGVector(qv)

	rows, err := s.Pool.Query(ctx, `
		WITH vector_results AS (
			SELECT id, title, content, 1 - (embedding <=> $1::vector) AS vec_sim,
				row_number() over (order by embedding <=> $1::vector) as vec_rank
			FROM knowledge_items
			WHERE organization_id = $2
			ORDER BY embedding <=> $1::vector
			LIMIT $3
		),
		keyword_results AS (
			SELECT id, title, content,
				row_number() over (order by ts_rank_cd(search_vector, websearch_to_tsquery('english', $4)) DESC) as key_rank
			FROM knowledge_items
			WHERE organization_id = $2
			AND search_vector @@ websearch_to_tsquery('english', $4)
			LIMIT $3
		),
		candidates AS (
			SELECT COALESCE(v.id,k.id) id, COALESCE(v.title,k.title) title, COALESCE(v.content,k.content) content,
				v.vec_rank vec_rank, k.key_rank key_rank,
				COALESCE(v.vec_sim, 0.0) vec_sim
			FROM vector_results v
			FULL OUTER JOIN keyword_results k ON v.id = k.id
		)
		SELECT id, title, content, vec_sim, vec_rank, key_rank,
			(COALESCE(1.0/($5+vec_rank),0) + COALESCE(1.0/($5+key_rank),0)) as rrf_score
		FROM candidates
		ORDER BY rrf_score DESC`, vec, tenantID, topK, query, rrfConstant)
	if err != nil {
		return nil, fmt.Errorf("hybrid search query: %w", err)
	}
	defer rows.Close()

	results := []Item{}
	for rows.Next() {
		var id, title, content string
		var vecSim, rrf float64
		var vecRank, keyRank *int64
		if err := rows.Scan(&id, &title, &content, &vecSim, &vecRank, &keyRank, &rrf); err != nil {
			return nil, fmt.Errorf("scan hybrid search row: %w", err)
		}
		strongSemantic := vecSim > vectorThreshold
		strongKeyword := keyRank != nil && int(*keyRank) <= keywordRankThreshold
		if !strongSemantic && !strongKeyword {
			continue
		}
		reason := "keyword"
		if strongSemantic {
			reason = "semantic"
		}
		results = append(results, Item{ID: id, Title: title, Content: content, Score: rrf, Reason: reason})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hybrid search rows: %w", err)
	}
	return results, nil
}

// FormatContext renders retrieved items into the block the Generate
// prompt embeds, matching the original's "Source: X (Confidence: Y)"
// layout exactly (original_source/llm-go/pipeline/pipeline.go).
func FormatContext(items []Item) string {
	if len(items) == 0 {
		return "No relevant knowledge found."
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprintf("Source: %s (Confidence: %.2f)\nContent: %s", it.Title, it.Score, it.Content)
	}
	return strings.Join(parts, "\n\n")
}

func splitMarkdown(text string) []string {
	parts := strings.Split(text, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func recursiveSplit(text string, size, overlap int) []string {
	if len(text) <= size {
		return []string{text}
	}
	chunks := []string{}
	for start := 0; start < len(text); start += size - overlap {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
	}
	return chunks
}

func floatSliceToPGVector(v []float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%f", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
