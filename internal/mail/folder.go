package mail

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// FolderType is a provider-independent folder category. Adapters map each
// type to one or more provider-specific folder names.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderTrash   FolderType = "trash"
	FolderSpam    FolderType = "spam"
	FolderArchive FolderType = "archive"
)

// AllFolders lists every logical folder type in sync order. Inbox first:
// it is the primary folder and the one seeding must not fail on.
var AllFolders = []FolderType{
	FolderInbox,
	FolderSent,
	FolderDrafts,
	FolderArchive,
	FolderSpam,
	FolderTrash,
}

// PrimaryFolder is the folder whose seed failure fails the whole account.
const PrimaryFolder = FolderInbox

// ParseFolderType validates a folder type received from the outside.
func ParseFolderType(s string) (FolderType, error) {
	ft := FolderType(strings.ToLower(s))
	for _, known := range AllFolders {
		if ft == known {
			return ft, nil
		}
	}
	return "", fmt.Errorf("unknown folder type %q", s)
}

// FolderSet is a set of folder types stored as a comma-separated column.
type FolderSet map[FolderType]struct{}

func NewFolderSet(folders ...FolderType) FolderSet {
	fs := make(FolderSet, len(folders))
	for _, f := range folders {
		fs[f] = struct{}{}
	}
	return fs
}

func (fs FolderSet) Contains(ft FolderType) bool {
	_, ok := fs[ft]
	return ok
}

func (fs FolderSet) Add(ft FolderType)    { fs[ft] = struct{}{} }
func (fs FolderSet) Remove(ft FolderType) { delete(fs, ft) }

// Value implements driver.Valuer for sqlx persistence.
func (fs FolderSet) Value() (driver.Value, error) {
	if len(fs) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(fs))
	for _, ft := range AllFolders {
		if fs.Contains(ft) {
			parts = append(parts, string(ft))
		}
	}
	return strings.Join(parts, ","), nil
}

// Scan implements sql.Scanner.
func (fs *FolderSet) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*fs = NewFolderSet()
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into FolderSet", src)
	}

	set := NewFolderSet()
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		set.Add(FolderType(part))
	}
	*fs = set
	return nil
}
