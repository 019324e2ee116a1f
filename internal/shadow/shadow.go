// Package shadow produces bounded-disclosure views of cross-repository
// requirements: status and a verifying hash, never content.
package shadow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rtmx-ai/rtmx-trust/internal/requirement"
)

// Visibility is the disclosure level of a resolved requirement view.
type Visibility string

const (
	// VisibilityFull discloses the complete requirement.
	VisibilityFull Visibility = "full"
	// VisibilityShadow discloses coarse status plus the content hash.
	VisibilityShadow Visibility = "shadow"
	// VisibilityHashOnly discloses existence and the content hash only.
	VisibilityHashOnly Visibility = "hash_only"
)

// ShadowRequirement is the bounded projection of a requirement the
// caller cannot fully see. It must never carry any other field of the
// underlying requirement.
type ShadowRequirement struct {
	ReqID        string             `json:"req_id"`
	ExternalRepo string             `json:"external_repo"`
	Status       requirement.Status `json:"status,omitempty"`
	ShadowHash   string             `json:"shadow_hash"`
	Visibility   Visibility         `json:"visibility"`
	LastVerified time.Time          `json:"last_verified"`
}

// Hash computes the content hash over the canonical serialization of a
// requirement. A caller who later gains full access can recompute it to
// verify the shadow they cached matched what they eventually saw, and a
// changed hash reveals modification without disclosing content.
func Hash(r requirement.Requirement) string {
	canonical := strings.Join([]string{
		r.ID,
		r.Category,
		r.Subcategory,
		r.Text,
		string(r.Status),
		r.Priority,
		fmt.Sprintf("%d", r.Phase),
		requirement.FormatDeps(r.Dependencies),
		requirement.FormatDeps(r.Blocks),
	}, "\n")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
