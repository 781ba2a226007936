// Package session persists conversation transcripts as JSONL files, one
// per session key, and tracks the per-session state the rest of the daemon
// needs: activity timestamps for idle resets, cached provider conversation
// handles, and last-turn token usage.
package session
