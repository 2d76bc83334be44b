package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/modelmux/dispatch/pkg/types"
)

// Fingerprint derives the deterministic cache key for a request: a SHA-256
// hash over the model, the message list, and the generation parameters that
// affect output. Unset parameters are omitted, so requests differing only in
// irrelevant fields share a key.
func Fingerprint(messages []types.Message, model string, params types.GenParams) string {
	var sb strings.Builder

	sb.WriteString("model:")
	sb.WriteString(model)

	if len(messages) > 0 {
		// Struct field order is fixed, so encoding is deterministic.
		raw, _ := json.Marshal(messages)
		sb.WriteString("|messages:")
		sb.Write(raw)
	}

	if params.Temperature != nil {
		fmt.Fprintf(&sb, "|temperature:%.4f", *params.Temperature)
	}
	if params.MaxTokens > 0 {
		fmt.Fprintf(&sb, "|max_tokens:%d", params.MaxTokens)
	}
	if params.TopP != nil {
		fmt.Fprintf(&sb, "|top_p:%.4f", *params.TopP)
	}
	if params.PresencePenalty != nil {
		fmt.Fprintf(&sb, "|presence_penalty:%.4f", *params.PresencePenalty)
	}
	if params.FrequencyPenalty != nil {
		fmt.Fprintf(&sb, "|frequency_penalty:%.4f", *params.FrequencyPenalty)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// EmbeddingFingerprint derives the cache key for an embeddings request.
func EmbeddingFingerprint(text, model string) string {
	sum := sha256.Sum256([]byte("model:" + model + "|embed:" + text))
	return hex.EncodeToString(sum[:])
}
