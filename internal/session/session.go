// Package session keeps bounded conversation histories with rolling
// summaries. Sessions expire after a period of inactivity and the store
// evicts the least-recently-active block when nearing capacity.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/modelmux/dispatch/pkg/types"
)

// Session is a snapshot of one conversation. The store owns the live state;
// callers only ever see copies.
type Session struct {
	ID           string            `json:"session_id"`
	Model        string            `json:"model"`
	MaxHistory   int               `json:"max_history_length"`
	Messages     []types.Message   `json:"messages"`
	Summary      string            `json:"summary,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}

// Summarizer folds messages dropped from a session's live history into its
// rolling summary. Implementations may call out to a model; the store only
// requires the returned string.
type Summarizer interface {
	Summarize(existing string, dropped []types.Message) string
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(existing string, dropped []types.Message) string

func (f SummarizerFunc) Summarize(existing string, dropped []types.Message) string {
	return f(existing, dropped)
}

// truncateAt is the per-message content bound in the default summary.
const truncateAt = 100

// TruncatingSummarizer appends a truncated line per dropped message to the
// summary. It is the default when no summarizer collaborator is provided.
func TruncatingSummarizer() Summarizer {
	return SummarizerFunc(func(existing string, dropped []types.Message) string {
		var sb strings.Builder
		sb.WriteString(existing)
		for _, m := range dropped {
			content := m.Content
			if len(content) > truncateAt {
				content = content[:truncateAt] + "..."
			}
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, content)
		}
		return sb.String()
	})
}
