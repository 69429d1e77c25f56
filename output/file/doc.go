// Package file implements the file destination.
//
// A sink writes either to one append-only file (Path) or to daily files
// named events_YYYY-MM-DD.log under Directory, optionally one subdirectory
// per server. The day is taken from the UTC wall clock at write time.
//
// Two record formats are supported:
//
//	ami-log  pbx1::1714567890123::{"headers":{"Event":"Hangup","Channel":"SIP/100-0001"},"rest":""}\r\n
//	jsonl    {"server":"pbx1","session_id":"…","sequence":7,"received_at":"…","fields":{…}}\n
//
// Each batch is encoded in memory and every target file is opened before
// anything is written, then appended with a single write per file. If an
// append fails, files already appended to are truncated back, so a batch is
// never stored in part and a retry does not duplicate records.
//
// With CompressRotated, the previous day's file is handed to a shared
// Compressor when the next one is opened and replaced by a .gz copy.
package file
