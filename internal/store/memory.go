package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory implements Store in process memory. Used by tests and as a
// fallback when no database is configured.
type Memory struct {
	mu            sync.Mutex
	files         map[string][]byte
	folders       map[string][]byte
	templates     map[string][]byte
	projects      map[string][]byte
	labels        map[string][]byte
	conversations map[string][]byte // keyed fileID + "/" + kind
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		files:         make(map[string][]byte),
		folders:       make(map[string][]byte),
		templates:     make(map[string][]byte),
		projects:      make(map[string][]byte),
		labels:        make(map[string][]byte),
		conversations: make(map[string][]byte),
	}
}

// Documents are stored as their JSON encoding so reads hand out copies and
// update semantics match the JSONB merge used by Postgres.

func putDoc(m map[string][]byte, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m[id] = raw
	return nil
}

func getDoc(m map[string][]byte, table, id string, out any) error {
	raw, ok := m[id]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	return json.Unmarshal(raw, out)
}

func mergeDoc(m map[string][]byte, table, id string, set map[string]any) error {
	raw, ok := m[id]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	for k, v := range set {
		doc[k] = v
	}
	return putDoc(m, id, doc)
}

// ----- files -----

func (s *Memory) CreateFile(_ context.Context, f *FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putDoc(s.files, f.ID, f)
}

func (s *Memory) GetFile(_ context.Context, id string) (*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f FileRecord
	if err := getDoc(s.files, "files", id, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Memory) ListFiles(ctx context.Context, ids []string) ([]*FileRecord, error) {
	out := make([]*FileRecord, 0, len(ids))
	for _, id := range ids {
		f, err := s.GetFile(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Memory) UpdateFile(_ context.Context, id string, set map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mergeDoc(s.files, "files", id, set)
}

func (s *Memory) DeleteFile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return fmt.Errorf("%w: files %s", ErrNotFound, id)
	}
	delete(s.files, id)
	return nil
}

// ----- folders -----

func (s *Memory) CreateFolder(_ context.Context, f *Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putDoc(s.folders, f.ID, f)
}

func (s *Memory) GetFolder(_ context.Context, id string) (*Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f Folder
	if err := getDoc(s.folders, "folders", id, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Memory) FolderForFile(_ context.Context, fileID string) (*Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.folders {
		var f Folder
		if err := getDoc(s.folders, "folders", id, &f); err != nil {
			return nil, err
		}
		if f.ContainsFile(fileID) {
			return &f, nil
		}
	}
	return nil, fmt.Errorf("%w: folder for file %s", ErrNotFound, fileID)
}

func (s *Memory) AddFileToFolder(_ context.Context, folderID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f Folder
	if err := getDoc(s.folders, "folders", folderID, &f); err != nil {
		return err
	}
	if f.ContainsFile(fileID) {
		return nil
	}
	f.FileList = append(f.FileList, fileID)
	f.NbTotalFiles = len(f.FileList)
	return putDoc(s.folders, folderID, &f)
}

func (s *Memory) RemoveFileFromFolder(_ context.Context, folderID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f Folder
	if err := getDoc(s.folders, "folders", folderID, &f); err != nil {
		return err
	}
	kept := f.FileList[:0]
	for _, id := range f.FileList {
		if id != fileID {
			kept = append(kept, id)
		}
	}
	f.FileList = kept
	f.NbTotalFiles = len(f.FileList)
	return putDoc(s.folders, folderID, &f)
}

// ----- templates / projects -----

func (s *Memory) CreateTemplate(_ context.Context, t *TemplateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putDoc(s.templates, t.ID, t)
}

func (s *Memory) GetTemplate(_ context.Context, id string) (*TemplateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t TemplateRecord
	if err := getDoc(s.templates, "templates", id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Memory) CreateProject(_ context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putDoc(s.projects, p.ID, p)
}

func (s *Memory) GetProject(_ context.Context, id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p Project
	if err := getDoc(s.projects, "projects", id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ----- labels -----

func (s *Memory) CreateLabel(_ context.Context, l *LabelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putDoc(s.labels, l.ID, l)
}

func (s *Memory) GetLabel(_ context.Context, id string) (*LabelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var l LabelRecord
	if err := getDoc(s.labels, "labels", id, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Memory) AppendEvents(_ context.Context, id string, events []LabelEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var l LabelRecord
	if err := getDoc(s.labels, "labels", id, &l); err != nil {
		return err
	}
	l.Events = append(l.Events, events...)
	return putDoc(s.labels, id, &l)
}

func (s *Memory) AppendGuidelines(_ context.Context, id string, guidelines []Guideline) error {
	if len(guidelines) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var l LabelRecord
	if err := getDoc(s.labels, "labels", id, &l); err != nil {
		return err
	}
	l.Guidelines = append(l.Guidelines, guidelines...)
	return putDoc(s.labels, id, &l)
}

func (s *Memory) DeleteLabel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.labels[id]; !ok {
		return fmt.Errorf("%w: labels %s", ErrNotFound, id)
	}
	delete(s.labels, id)
	return nil
}

// ----- conversations -----

func convKey(fileID, kind string) string { return fileID + "/" + kind }

func (s *Memory) GetConversation(_ context.Context, fileID, kind string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Conversation
	if err := getDoc(s.conversations, "conversations", convKey(fileID, kind), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Memory) EnsureConversation(ctx context.Context, fileID, kind string) (*Conversation, error) {
	s.mu.Lock()
	key := convKey(fileID, kind)
	if _, ok := s.conversations[key]; !ok {
		c := &Conversation{
			FileID:  fileID,
			Kind:    kind,
			Status:  ConversationIdle,
			History: []ConversationMessage{},
			Updated: time.Now().UTC(),
		}
		if err := putDoc(s.conversations, key, c); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()
	return s.GetConversation(ctx, fileID, kind)
}

func (s *Memory) SetConversationStatus(_ context.Context, fileID, kind, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := convKey(fileID, kind)
	var c Conversation
	if err := getDoc(s.conversations, "conversations", key, &c); err != nil {
		return err
	}
	c.Status = status
	c.Updated = time.Now().UTC()
	return putDoc(s.conversations, key, &c)
}

func (s *Memory) AppendConversationMessage(_ context.Context, fileID, kind string, msg ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := convKey(fileID, kind)
	var c Conversation
	if err := getDoc(s.conversations, "conversations", key, &c); err != nil {
		return err
	}
	c.History = append(c.History, msg)
	c.Updated = time.Now().UTC()
	return putDoc(s.conversations, key, &c)
}
