package imap

import (
	"context"
	"strings"

	"github.com/xmit-sh/mailgateway/internal/upstream"
)

// aliasTable maps client-side folder names mailbox clients commonly
// hardcode (Sent Messages, Deleted Items, Gmail's bracketed names...)
// onto the special-use folders the upstream actually exposes.
var aliasTable = map[string]upstream.SpecialUse{
	"sent messages":      upstream.SpecialUseSent,
	"sent items":         upstream.SpecialUseSent,
	"[gmail]/sent mail":  upstream.SpecialUseSent,
	"deleted messages":   upstream.SpecialUseTrash,
	"deleted items":      upstream.SpecialUseTrash,
	"[gmail]/trash":      upstream.SpecialUseTrash,
	"junk e-mail":        upstream.SpecialUseJunk,
	"junk":               upstream.SpecialUseJunk,
	"[gmail]/spam":       upstream.SpecialUseJunk,
	"drafts":             upstream.SpecialUseDrafts,
	"[gmail]/drafts":     upstream.SpecialUseDrafts,
	"archive":            upstream.SpecialUseArchive,
	"[gmail]/all mail":   upstream.SpecialUseArchive,
}

// ResolvedMailbox is the outcome of resolving a client-supplied mailbox
// name against a session's sender scope.
type ResolvedMailbox struct {
	SenderID   string
	FolderName string
}

// MailboxResolver looks up the folders and senders visible to a
// session's API key. Implemented by *upstream.Client in production.
type MailboxResolver interface {
	ListSenders(ctx context.Context, apiKey string) ([]upstream.Sender, error)
	ListFolders(ctx context.Context, apiKey, senderID string) ([]upstream.MailboxFolder, error)
}

// ResolveMailbox implements the §4.7 resolution order:
//  1. If the session is pinned to a single sender, resolve the name
//     against that sender's folders directly (applying the alias
//     table first).
//  2. If name is of the form "user@host/Folder", split off the email
//     prefix and resolve the remainder against that sender.
//  3. If the session is scoped to all senders (LOGIN "*" or "api"),
//     search every accessible sender's folders for a match.
//  4. Otherwise the mailbox does not resolve.
func ResolveMailbox(ctx context.Context, resolver MailboxResolver, apiKey string, pinnedSenderID string, allSenders bool, name string) (*ResolvedMailbox, error) {
	canon := canonicalFolderName(name)

	if pinnedSenderID != "" {
		return resolveAgainstSender(ctx, resolver, apiKey, pinnedSenderID, canon)
	}

	if email, rest, ok := splitEmailPrefixed(name); ok {
		senders, err := resolver.ListSenders(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		for _, sdr := range senders {
			if strings.EqualFold(sdr.Email, email) {
				return resolveAgainstSender(ctx, resolver, apiKey, sdr.ID, canonicalFolderName(rest))
			}
		}
		return nil, nil
	}

	if allSenders {
		senders, err := resolver.ListSenders(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		for _, sdr := range senders {
			if rm, err := resolveAgainstSender(ctx, resolver, apiKey, sdr.ID, canon); err == nil && rm != nil {
				return rm, nil
			}
		}
	}

	return nil, nil
}

func resolveAgainstSender(ctx context.Context, resolver MailboxResolver, apiKey, senderID, canon string) (*ResolvedMailbox, error) {
	folders, err := resolver.ListFolders(ctx, apiKey, senderID)
	if err != nil {
		return nil, err
	}
	if su, isAlias := aliasTable[canon]; isAlias {
		for _, f := range folders {
			if f.SpecialUse == su {
				return &ResolvedMailbox{SenderID: senderID, FolderName: f.Name}, nil
			}
		}
	}
	for _, f := range folders {
		if strings.EqualFold(f.Name, canon) {
			return &ResolvedMailbox{SenderID: senderID, FolderName: f.Name}, nil
		}
	}
	return nil, nil
}

func canonicalFolderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// splitEmailPrefixed splits "user@host/Folder Name" into its email and
// folder parts. The prefix must contain "@" before the first "/" to be
// treated as an address rather than a plain folder name with a slash
// in it (e.g. "[Gmail]/Sent Mail").
func splitEmailPrefixed(name string) (email, rest string, ok bool) {
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return "", "", false
	}
	prefix := name[:i]
	if !strings.Contains(prefix, "@") {
		return "", "", false
	}
	return prefix, name[i+1:], true
}
