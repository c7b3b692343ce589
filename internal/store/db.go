package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/foldermcp/foldermcp/internal/errors"
)

// SemanticDB is the structured side of the cache: a SQLite database holding
// per-document and per-chunk rows for semantic-data queries that the JSON
// planes answer poorly (unprocessed-chunk scans, aggregations).
type SemanticDB struct {
	db *sql.DB
}

// OpenSemanticDB opens (and if needed initialises) the embeddings.db file.
func OpenSemanticDB(path string) (*SemanticDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCorruptCache, "opening semantic database")
	}
	// One writer at a time; SQLite serialises anyway, and a single conn
	// avoids SQLITE_BUSY under concurrent task completion.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeCorruptCache, "configuring semantic database")
	}
	if err := initSemanticSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SemanticDB{db: db}, nil
}

func initSemanticSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		content_hash  TEXT PRIMARY KEY,
		relative_path TEXT NOT NULL,
		doc_type      TEXT NOT NULL,
		size          INTEGER NOT NULL DEFAULT 0,
		chunk_count   INTEGER NOT NULL DEFAULT 0,
		indexed_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(relative_path);

	CREATE TABLE IF NOT EXISTS chunks (
		content_hash       TEXT NOT NULL,
		chunk_index        INTEGER NOT NULL,
		content            TEXT NOT NULL DEFAULT '',
		topics             TEXT NOT NULL DEFAULT '[]',
		key_phrases        TEXT NOT NULL DEFAULT '[]',
		readability_score  REAL NOT NULL DEFAULT 50,
		semantic_processed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (content_hash, chunk_index)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_unprocessed ON chunks(semantic_processed) WHERE semantic_processed = 0;
	`
	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, errors.ErrCodeCorruptCache, "creating semantic schema")
	}
	return nil
}

// DocumentRow mirrors one documents-table row.
type DocumentRow struct {
	ContentHash  string
	RelativePath string
	DocType      string
	Size         int64
	ChunkCount   int
}

// ChunkSemantics is the enrichment payload of one chunk.
type ChunkSemantics struct {
	ContentHash      string
	ChunkIndex       int
	Content          string
	Topics           []string
	KeyPhrases       []string
	ReadabilityScore float64
	Processed        bool
}

// UpsertDocument records a document and its chunk rows; chunk semantics
// start unprocessed.
func (s *SemanticDB) UpsertDocument(doc DocumentRow, chunkContents []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO documents (content_hash, relative_path, doc_type, size, chunk_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			relative_path = excluded.relative_path,
			doc_type      = excluded.doc_type,
			size          = excluded.size,
			chunk_count   = excluded.chunk_count,
			indexed_at    = CURRENT_TIMESTAMP
	`, doc.ContentHash, doc.RelativePath, doc.DocType, doc.Size, len(chunkContents))
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM chunks WHERE content_hash = ?`, doc.ContentHash); err != nil {
		return fmt.Errorf("clear stale chunks: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO chunks (content_hash, chunk_index, content) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for i, content := range chunkContents {
		if _, err := stmt.Exec(doc.ContentHash, i, content); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// SaveSemantics marks one chunk processed with its enrichment results.
func (s *SemanticDB) SaveSemantics(hash string, chunkIndex int, topics, keyPhrases []string, readability float64) error {
	topicsJSON, err := json.Marshal(emptyIfNil(topics))
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}
	phrasesJSON, err := json.Marshal(emptyIfNil(keyPhrases))
	if err != nil {
		return fmt.Errorf("encode key phrases: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE chunks
		SET topics = ?, key_phrases = ?, readability_score = ?, semantic_processed = 1
		WHERE content_hash = ? AND chunk_index = ?
	`, string(topicsJSON), string(phrasesJSON), readability, hash, chunkIndex)
	if err != nil {
		return fmt.Errorf("save semantics: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrCodeFileNotFound, "no chunk row for %s[%d]", hash, chunkIndex)
	}
	return nil
}

// UnprocessedChunks returns up to limit chunks awaiting enrichment.
func (s *SemanticDB) UnprocessedChunks(limit int) ([]ChunkSemantics, error) {
	rows, err := s.db.Query(`
		SELECT content_hash, chunk_index, content
		FROM chunks WHERE semantic_processed = 0
		ORDER BY content_hash, chunk_index LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkSemantics
	for rows.Next() {
		var c ChunkSemantics
		if err := rows.Scan(&c.ContentHash, &c.ChunkIndex, &c.Content); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunkSemantics returns the enrichment rows of one document.
func (s *SemanticDB) ChunkSemantics(hash string) ([]ChunkSemantics, error) {
	rows, err := s.db.Query(`
		SELECT content_hash, chunk_index, content, topics, key_phrases, readability_score, semantic_processed
		FROM chunks WHERE content_hash = ? ORDER BY chunk_index
	`, hash)
	if err != nil {
		return nil, fmt.Errorf("query chunk semantics: %w", err)
	}
	defer rows.Close()

	var out []ChunkSemantics
	for rows.Next() {
		var (
			c                       ChunkSemantics
			topicsJSON, phrasesJSON string
			processed               int
		)
		if err := rows.Scan(&c.ContentHash, &c.ChunkIndex, &c.Content,
			&topicsJSON, &phrasesJSON, &c.ReadabilityScore, &processed); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		if err := json.Unmarshal([]byte(topicsJSON), &c.Topics); err != nil {
			return nil, fmt.Errorf("decode topics: %w", err)
		}
		if err := json.Unmarshal([]byte(phrasesJSON), &c.KeyPhrases); err != nil {
			return nil, fmt.Errorf("decode key phrases: %w", err)
		}
		c.Processed = processed != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// RemoveDocument drops a document and its chunk rows.
func (s *SemanticDB) RemoveDocument(hash string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE content_hash = ?`, hash); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM documents WHERE content_hash = ?`, hash); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *SemanticDB) Close() error {
	return s.db.Close()
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
