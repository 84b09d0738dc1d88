package store

import (
	"strings"
	"time"

	"github.com/tracelab/backend/internal/parse"
)

// Parsing status values carried in FileRecord.Parsing. Errors are recorded
// as "error: <message>".
const (
	ParsingUploading  = "uploading"
	ParsingQueued     = "queued"
	ParsingInProgress = "parsing"
	ParsingParsed     = "parsed"

	parsingErrorPrefix = "error: "
)

// ParsingError formats a parse failure for the file record.
func ParsingError(err error) string {
	return parsingErrorPrefix + err.Error()
}

// IsParsingError reports whether a parsing status records a failure.
func IsParsingError(status string) bool {
	return strings.HasPrefix(status, parsingErrorPrefix)
}

// Conversation status lifecycle for auto-detection runs.
const (
	ConversationIdle      = "idle"
	ConversationStarted   = "started"
	ConversationRunning   = "running"
	ConversationCompleted = "completed"
	ConversationFailed    = "failed"
	ConversationCancelled = "cancelled"
)

// IDReference points at another document by id, with a display name.
type IDReference struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FileRecord is the per-upload document. Path fields are relative to the
// data folder; binary fields are only set when UseBinaryFormat is true.
type FileRecord struct {
	ID              string    `json:"_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	RawPath         string    `json:"rawPath"`
	JSONPath        string    `json:"jsonPath,omitempty"`
	BinaryPath      string    `json:"binaryPath,omitempty"`
	MetaPath        string    `json:"metaPath,omitempty"`
	OverviewPath    string    `json:"overviewPath,omitempty"`
	UseBinaryFormat bool      `json:"useBinaryFormat"`
	TotalPoints     int       `json:"totalPoints,omitempty"`
	XType           string    `json:"xType,omitempty"`
	XFormat         string    `json:"xFormat,omitempty"`
	XMin            float64   `json:"xMin,omitempty"`
	XMax            float64   `json:"xMax,omitempty"`
	Parsing         string    `json:"parsing"`
	NbEvent         string    `json:"nbEvent"`
	Label           string    `json:"label"`
	LastModifier    string    `json:"lastModifier"`
	LastUpdate      time.Time `json:"lastUpdate"`
}

// Folder groups files under one project and template.
type Folder struct {
	ID             string      `json:"_id"`
	Name           string      `json:"name"`
	Project        IDReference `json:"project"`
	Template       IDReference `json:"template"`
	FileList       []string    `json:"fileList"`
	NbLabeledFiles int         `json:"nbLabeledFiles"`
	NbTotalFiles   int         `json:"nbTotalFiles"`
}

// ContainsFile reports whether the folder lists fileID.
func (f *Folder) ContainsFile(fileID string) bool {
	for _, id := range f.FileList {
		if id == fileID {
			return true
		}
	}
	return false
}

// TemplateRecord is a stored parse template with its identity fields.
type TemplateRecord struct {
	ID           string `json:"_id"`
	TemplateName string `json:"templateName"`
	parse.Template
}

// ProjectClass is one label class with its display color.
type ProjectClass struct {
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description"`
}

// Project owns templates and the class palette used by labels and the
// auto-detection agents.
type Project struct {
	ID                        string         `json:"_id"`
	ProjectName               string         `json:"projectName"`
	Templates                 []IDReference  `json:"templates"`
	Classes                   []ProjectClass `json:"classes"`
	GeneralPatternDescription string         `json:"general_pattern_description"`
}

// ClassColor returns the palette color for a class name, or defaultColor
// when the class is unknown.
func (p *Project) ClassColor(name, defaultColor string) string {
	for _, c := range p.Classes {
		if c.Name == name {
			return c.Color
		}
	}
	return defaultColor
}

// LabelEvent is one labeled region on a file's x axis.
type LabelEvent struct {
	ClassName    string  `json:"className"`
	Color        string  `json:"color"`
	Description  string  `json:"description"`
	Labeler      string  `json:"labeler"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Hide         bool    `json:"hide"`
	AutoDetected bool    `json:"auto_detected,omitempty"`
}

// Guideline is a horizontal reference line on a file's chart, added by a
// user or the chat assistant.
type Guideline struct {
	YAxis       string  `json:"yaxis"`
	Y           float64 `json:"y"`
	ChannelName string  `json:"channelName"`
	Color       string  `json:"color"`
	Hide        bool    `json:"hide"`
}

// LabelRecord holds all events and guidelines of one file.
type LabelRecord struct {
	ID         string       `json:"_id"`
	Events     []LabelEvent `json:"events"`
	Guidelines []Guideline  `json:"guidelines"`
}

// ConversationMessage is one entry in a conversation history. Role is the
// speaker ("user", "assistant", "system" or an agent name); Type carries the
// notification type for agent progress entries.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Type      string    `json:"type,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the append-only message log of one file's detection or
// chat session.
type Conversation struct {
	ID      string                `json:"_id"`
	FileID  string                `json:"fileId"`
	Kind    string                `json:"kind"`
	Status  string                `json:"status"`
	History []ConversationMessage `json:"history"`
	Updated time.Time             `json:"updated"`
}

// Conversation kinds.
const (
	ConversationDetection = "detection"
	ConversationChat      = "chat"
)
