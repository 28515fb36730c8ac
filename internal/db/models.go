package db

import (
	"time"
)

// MailboxMeta is the per-mailbox header row: last-allocated UID, the
// partition it lives on, the append-only last-appenddate stamp, and the
// internal/external seen-storage policy.
type MailboxMeta struct {
	Name           string `gorm:"primaryKey"`
	Partition      string `gorm:"not null"`
	LastUID        uint32
	LastAppendDate time.Time
	InternalSeen   bool
}

// Record is the durable index-record row owned by a mailbox once
// appended. UserFlagsLo/Hi together form the 128-bit user-flag bitset.
type Record struct {
	MailboxName     string `gorm:"primaryKey;column:mailbox_name"`
	UID             uint32 `gorm:"primaryKey"`
	InternalDate    time.Time
	SystemFlags     uint32
	UserFlagsLo     uint64
	UserFlagsHi     uint64
	ConversationID  string
	CacheOffset     int64
	ContentHash     []byte `gorm:"type:blob"`
	Size            int64
	ExternallyStored bool
}

// UserFlagSlot maps a mailbox-local flag name to its bit position in the
// 128-slot user-flag table.
type UserFlagSlot struct {
	MailboxName string `gorm:"primaryKey;column:mailbox_name"`
	Slot        int    `gorm:"primaryKey"`
	Name        string `gorm:"not null"`
}

// Quota stores a per-mailbox, per-resource ceiling and current usage.
// Example: resource="storage" tracks bytes; a future resource="messages"
// could track a count ceiling the same way.
type Quota struct {
	MailboxName string `gorm:"primaryKey;column:mailbox_name"`
	Resource    string `gorm:"primaryKey"`
	Max         int64
	Used        int64
}

// SeenEntry is the per-user external seen database row (spec §4.5, §6
// "Seen store"). SeenRanges is a serialized sparse UID-set, in the same
// run-length form IMAP sequence sets use.
type SeenEntry struct {
	UserID          string `gorm:"primaryKey;column:user_id"`
	MailboxUniqueID string `gorm:"primaryKey;column:mailbox_unique_id"`
	SeenRanges      string
	LastChange      int64
}

// AnnotationEntry is one (mailbox, uid, entry, attrib) -> value row, split
// by Kind into the user/system namespaces that must be kept
// disjoint (§3: "User annotations are kept disjoint from system
// annotations").
type AnnotationEntry struct {
	MailboxName string `gorm:"primaryKey;column:mailbox_name"`
	UID         uint32 `gorm:"primaryKey"`
	Entry       string `gorm:"primaryKey"`
	Attrib      string `gorm:"primaryKey"`
	Kind        string `gorm:"primaryKey"` // "user" or "system"
	Value       string
}

// ObjectRef is the content-addressed object-storage refcount row (§6
// "put(mailbox, record, path) (idempotent; add-refcount on content
// hash)").
type ObjectRef struct {
	ContentHash string `gorm:"primaryKey;column:content_hash"`
	RefCount    int64
	Size        int64
	Compressed  bool
}
