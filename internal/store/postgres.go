package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Postgres implements Store using JSONB documents, one table per collection.
// The caller owns the pool and is responsible for closing it.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Store using an existing pgxpool.Pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Init creates all tables. Safe to call multiple times.
func (s *Postgres) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS folders (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS templates (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS projects (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS labels (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			file_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			doc JSONB NOT NULL,
			PRIMARY KEY (file_id, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS folders_file_list_idx ON folders USING gin ((doc->'fileList'))`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store init: %w", err)
		}
	}
	return nil
}

func (s *Postgres) insertDoc(ctx context.Context, table, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s doc: %w", table, err)
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, table),
		id, raw)
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", table, id, err)
	}
	return nil
}

func (s *Postgres) getDoc(ctx context.Context, table, id string, out any) error {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table), id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	if err != nil {
		return fmt.Errorf("get %s %s: %w", table, id, err)
	}
	return json.Unmarshal(raw, out)
}

// mergeDoc applies a Mongo-$set-like merge of top-level fields in one
// statement.
func (s *Postgres) mergeDoc(ctx context.Context, table, id string, set map[string]any) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal %s update: %w", table, err)
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET doc = doc || $2::jsonb WHERE id = $1`, table),
		id, raw)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	return nil
}

func (s *Postgres) deleteDoc(ctx context.Context, table, id string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	return nil
}

// ----- files -----

func (s *Postgres) CreateFile(ctx context.Context, f *FileRecord) error {
	return s.insertDoc(ctx, "files", f.ID, f)
}

func (s *Postgres) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	var f FileRecord
	if err := s.getDoc(ctx, "files", id, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Postgres) ListFiles(ctx context.Context, ids []string) ([]*FileRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT doc FROM files WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*FileRecord, len(ids))
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var f FileRecord
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		byID[f.ID] = &f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve the caller's order, dropping missing ids.
	out := make([]*FileRecord, 0, len(ids))
	for _, id := range ids {
		if f, ok := byID[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Postgres) UpdateFile(ctx context.Context, id string, set map[string]any) error {
	return s.mergeDoc(ctx, "files", id, set)
}

func (s *Postgres) DeleteFile(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, "files", id)
}

// ----- folders -----

func (s *Postgres) CreateFolder(ctx context.Context, f *Folder) error {
	return s.insertDoc(ctx, "folders", f.ID, f)
}

func (s *Postgres) GetFolder(ctx context.Context, id string) (*Folder, error) {
	var f Folder
	if err := s.getDoc(ctx, "folders", id, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Postgres) FolderForFile(ctx context.Context, fileID string) (*Folder, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM folders WHERE doc->'fileList' @> to_jsonb($1::text) LIMIT 1`,
		fileID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: folder for file %s", ErrNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("folder for file %s: %w", fileID, err)
	}
	var f Folder
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Postgres) AddFileToFolder(ctx context.Context, folderID, fileID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE folders
		 SET doc = jsonb_set(
			jsonb_set(doc, '{fileList}', COALESCE(doc->'fileList', '[]'::jsonb) || to_jsonb($2::text)),
			'{nbTotalFiles}',
			to_jsonb(COALESCE(jsonb_array_length(doc->'fileList'), 0) + 1))
		 WHERE id = $1 AND NOT (doc->'fileList' @> to_jsonb($2::text))`,
		folderID, fileID)
	if err != nil {
		return fmt.Errorf("add file %s to folder %s: %w", fileID, folderID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the folder is missing or the file is already listed.
		if _, err := s.GetFolder(ctx, folderID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) RemoveFileFromFolder(ctx context.Context, folderID, fileID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE folders
		 SET doc = jsonb_set(
			jsonb_set(doc, '{fileList}', (doc->'fileList') - $2),
			'{nbTotalFiles}',
			to_jsonb(GREATEST(jsonb_array_length(doc->'fileList') - 1, 0)))
		 WHERE id = $1 AND doc->'fileList' @> to_jsonb($2::text)`,
		folderID, fileID)
	if err != nil {
		return fmt.Errorf("remove file %s from folder %s: %w", fileID, folderID, err)
	}
	return nil
}

// ----- templates / projects -----

func (s *Postgres) CreateTemplate(ctx context.Context, t *TemplateRecord) error {
	return s.insertDoc(ctx, "templates", t.ID, t)
}

func (s *Postgres) GetTemplate(ctx context.Context, id string) (*TemplateRecord, error) {
	var t TemplateRecord
	if err := s.getDoc(ctx, "templates", id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) CreateProject(ctx context.Context, p *Project) error {
	return s.insertDoc(ctx, "projects", p.ID, p)
}

func (s *Postgres) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := s.getDoc(ctx, "projects", id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ----- labels -----

func (s *Postgres) CreateLabel(ctx context.Context, l *LabelRecord) error {
	return s.insertDoc(ctx, "labels", l.ID, l)
}

func (s *Postgres) GetLabel(ctx context.Context, id string) (*LabelRecord, error) {
	var l LabelRecord
	if err := s.getDoc(ctx, "labels", id, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Postgres) AppendEvents(ctx context.Context, id string, events []LabelEvent) error {
	if len(events) == 0 {
		return nil
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE labels
		 SET doc = jsonb_set(doc, '{events}', COALESCE(doc->'events', '[]'::jsonb) || $2::jsonb)
		 WHERE id = $1`,
		id, raw)
	if err != nil {
		return fmt.Errorf("append events to label %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: labels %s", ErrNotFound, id)
	}
	return nil
}

func (s *Postgres) AppendGuidelines(ctx context.Context, id string, guidelines []Guideline) error {
	if len(guidelines) == 0 {
		return nil
	}
	raw, err := json.Marshal(guidelines)
	if err != nil {
		return fmt.Errorf("marshal guidelines: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE labels
		 SET doc = jsonb_set(doc, '{guidelines}', COALESCE(doc->'guidelines', '[]'::jsonb) || $2::jsonb)
		 WHERE id = $1`,
		id, raw)
	if err != nil {
		return fmt.Errorf("append guidelines to label %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: labels %s", ErrNotFound, id)
	}
	return nil
}

func (s *Postgres) DeleteLabel(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, "labels", id)
}

// ----- conversations -----

func (s *Postgres) GetConversation(ctx context.Context, fileID, kind string) (*Conversation, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM conversations WHERE file_id = $1 AND kind = $2`,
		fileID, kind).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %s/%s", ErrNotFound, fileID, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s/%s: %w", fileID, kind, err)
	}
	var c Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Postgres) EnsureConversation(ctx context.Context, fileID, kind string) (*Conversation, error) {
	c := &Conversation{
		FileID:  fileID,
		Kind:    kind,
		Status:  ConversationIdle,
		History: []ConversationMessage{},
		Updated: time.Now().UTC(),
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (file_id, kind, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (file_id, kind) DO NOTHING`,
		fileID, kind, raw)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation %s/%s: %w", fileID, kind, err)
	}
	return s.GetConversation(ctx, fileID, kind)
}

func (s *Postgres) SetConversationStatus(ctx context.Context, fileID, kind, status string) error {
	set, _ := json.Marshal(map[string]any{"status": status, "updated": time.Now().UTC()})
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET doc = doc || $3::jsonb WHERE file_id = $1 AND kind = $2`,
		fileID, kind, set)
	if err != nil {
		return fmt.Errorf("set conversation status %s/%s: %w", fileID, kind, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversation %s/%s", ErrNotFound, fileID, kind)
	}
	return nil
}

func (s *Postgres) AppendConversationMessage(ctx context.Context, fileID, kind string, msg ConversationMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal conversation message: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations
		 SET doc = jsonb_set(doc, '{history}', COALESCE(doc->'history', '[]'::jsonb) || jsonb_build_array($3::jsonb))
		 WHERE file_id = $1 AND kind = $2`,
		fileID, kind, raw)
	if err != nil {
		return fmt.Errorf("append conversation message %s/%s: %w", fileID, kind, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversation %s/%s", ErrNotFound, fileID, kind)
	}
	return nil
}
