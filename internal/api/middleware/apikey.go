package middleware

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyScheme  = "ah_"
	apiKeyEntropy = 20
)

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// IssueAPIKey generates a key for actor. The raw key is returned once; only
// its bcrypt hash and lookup prefix are kept on the stored form.
func IssueAPIKey(actor models.Identity, name string, scopes []string) (string, *models.APIKey, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return "", nil, apperr.Validation("actorId is required")
	}
	for _, s := range scopes {
		if s != ScopeApprove && s != ScopeAdmin {
			return "", nil, apperr.Validation("unknown scope %q", s)
		}
	}

	buf := make([]byte, apiKeyEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	raw := apiKeyScheme + strings.ToLower(keyEncoding.EncodeToString(buf))

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}

	now := time.Now().UTC()
	scopes = slices.Compact(slices.Sorted(slices.Values(scopes)))
	return raw, &models.APIKey{
		ID:        uuid.New(),
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Groups:    slices.Clone(actor.Groups),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:keyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
