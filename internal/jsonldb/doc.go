// Package jsonldb provides a generic, concurrent-safe, JSONL-backed table.
//
// # Overview
//
// [Table] stores rows keyed by a string id in a JSONL (JSON Lines) file and
// keeps all of them cached in memory for fast reads. Tables are safe for
// concurrent use by multiple goroutines.
//
// # File Format
//
// Line 1 is a schema header holding the format version, the schema version
// of the row type and the row columns. Every following line is a record:
//
//	{"op":"put","row":{...}}
//	{"op":"del","id":"..."}
//
// The file is a log: every mutation appends exactly one record and loading
// replays the log, last record per id wins. Lines without "op" are treated as
// plain rows, which keeps hand-edited files readable.
//
// # Multiple Writers
//
// Several processes may append to the same file. There is no cross process
// lock; conflicting writes to one id resolve last-write-wins at the record
// level. [Table.Refresh] applies records appended by other processes since the
// last read. [Table.Compact] rewrites the log to one record per live row and
// must only run when no other process is writing.
//
// # Schema Versions
//
// Rows written under an older schema version are upgraded on load by the
// ordered list of [Migration] steps given in [Options]. A migrated file is
// compacted under the current header right away.
//
// # Secondary Indexes
//
// [Index] provides lookups by arbitrary keys, staying synchronized with table
// mutations via [TableObserver]. Observers run under the table write lock so
// an index never disagrees with the table.
package jsonldb
