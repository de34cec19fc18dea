// Package audit records maintenance actions taken through the API: entry
// reloads, label edits, and imported point toggles.
//
// Records live in the audit_log table created by the embedded migrations.
// Each carries the token subject and role of the caller so operators can
// trace who changed what on a running hub.
package audit
