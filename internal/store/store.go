// Package store persists the platform's documents (files, folders,
// templates, projects, labels, conversations) as JSONB rows in PostgreSQL.
// Updates to a single document are atomic; the parse worker and the agent
// runner rely on that for their status transitions.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a document id does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the full document-store surface. Consumers should depend on the
// subset they need; tests use the in-memory implementation.
type Store interface {
	FileStore
	FolderStore
	TemplateStore
	ProjectStore
	LabelStore
	ConversationStore
}

// FileStore covers file-record lifecycle and the worker's status updates.
type FileStore interface {
	CreateFile(ctx context.Context, f *FileRecord) error
	GetFile(ctx context.Context, id string) (*FileRecord, error)
	ListFiles(ctx context.Context, ids []string) ([]*FileRecord, error)
	// UpdateFile merges the given top-level fields into the document in a
	// single atomic statement.
	UpdateFile(ctx context.Context, id string, set map[string]any) error
	DeleteFile(ctx context.Context, id string) error
}

type FolderStore interface {
	GetFolder(ctx context.Context, id string) (*Folder, error)
	// FolderForFile finds the folder whose fileList contains fileID.
	FolderForFile(ctx context.Context, fileID string) (*Folder, error)
	AddFileToFolder(ctx context.Context, folderID, fileID string) error
	RemoveFileFromFolder(ctx context.Context, folderID, fileID string) error
}

type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*TemplateRecord, error)
}

type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*Project, error)
}

type LabelStore interface {
	CreateLabel(ctx context.Context, l *LabelRecord) error
	GetLabel(ctx context.Context, id string) (*LabelRecord, error)
	// AppendEvents atomically appends events to the label's event list.
	AppendEvents(ctx context.Context, id string, events []LabelEvent) error
	// AppendGuidelines atomically appends guidelines to the label.
	AppendGuidelines(ctx context.Context, id string, guidelines []Guideline) error
	DeleteLabel(ctx context.Context, id string) error
}

type ConversationStore interface {
	// GetConversation returns the conversation for (fileID, kind), or
	// ErrNotFound when none exists yet.
	GetConversation(ctx context.Context, fileID, kind string) (*Conversation, error)
	// EnsureConversation creates an idle conversation when missing and
	// returns the current document either way.
	EnsureConversation(ctx context.Context, fileID, kind string) (*Conversation, error)
	SetConversationStatus(ctx context.Context, fileID, kind, status string) error
	AppendConversationMessage(ctx context.Context, fileID, kind string, msg ConversationMessage) error
}
