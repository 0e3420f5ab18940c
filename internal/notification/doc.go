// Package notification defines the shapes that flow through the ingestion
// pipeline: the raw transport payloads (system broadcasts and conversation
// messages), the unified Notification every raw event is normalized into, and
// the recipient targeting rules for system broadcasts.
//
// # Sources
//
// A Notification carries a Detail that is exactly one of *SystemDetail or
// *ConversationDetail. Code that needs source-specific fields switches on the
// Detail type; SourceOf and the Visit helper keep that switch exhaustive.
package notification
