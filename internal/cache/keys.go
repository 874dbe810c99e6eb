// Package cache implements the gateway's two-tier cache: an in-memory LRU
// tier and a persistent SQLite-backed blob tier, with namespaced keys and
// coherent invalidation on every upstream mutation.
package cache

import "fmt"

// Key builders produce the namespaced, colon-separated cache key shapes.
// Keeping them centralised avoids drift between the callers that set a
// key and the invalidators that must delete it.

func KeySenderByEmail(email string) string { return fmt.Sprintf("sender:%s", email) }
func KeyAllSenders() string                 { return "senders:all" }
func KeyFolders(senderID string) string     { return fmt.Sprintf("folders:%s", senderID) }
func KeyFolderStatus(senderID, folder string) string {
	return fmt.Sprintf("status:%s:%s", senderID, folder)
}
func KeyMessages(senderID, folder string) string {
	return fmt.Sprintf("messages:%s:%s", senderID, folder)
}
func KeyMessagesQuery(senderID, folder, query string) string {
	return fmt.Sprintf("messages:%s:%s|q:%s", senderID, folder, query)
}
func KeyMessage(senderID, folder string, uid uint32) string {
	return fmt.Sprintf("message:%s:%s:%d", senderID, folder, uid)
}
func KeyBody(senderID, folder string, uid uint32) string {
	return fmt.Sprintf("body:%s:%s:%d", senderID, folder, uid)
}
func KeyAPIKey(key string) string { return fmt.Sprintf("apikey:%s", key) }

// TTLs are expressed as time.Duration constants in ttl.go.
