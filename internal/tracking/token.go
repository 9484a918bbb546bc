// Package tracking issues the customer tracking links that grant read access to one delivery.
package tracking

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"dispatch/internal/model"
	"dispatch/internal/store"
)

const saltSize = 32

// NewToken returns lowercase hex of HMAC-SHA256 over deliveryID and customer, keyed with
// a fresh random salt. The salt is discarded: tokens are looked up, never recomputed.
func NewToken(deliveryID, customer string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(deliveryID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(customer))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Issuer binds tracking tokens to deliveries.
type Issuer struct {
	Store   store.Store
	BaseURL string
}

func NewIssuer(s store.Store, baseURL string) *Issuer {
	return &Issuer{Store: s, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Issue returns d with a tracking id, generating and storing one if none was issued yet.
// An existing id is never replaced.
func (i *Issuer) Issue(ctx context.Context, d model.Delivery) (model.Delivery, error) {
	if d.TrackingID != "" {
		return d, nil
	}
	for attempt := 0; attempt < 3; attempt++ {
		tok, err := NewToken(d.ID, d.CustomerPhone)
		if err != nil {
			return d, err
		}
		out, err := i.Store.SetTrackingID(ctx, d.ID, tok)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return out, err
	}
	return d, fmt.Errorf("issue tracking id for %s: %w", d.ID, store.ErrConflict)
}

// URL is the customer-facing link for token.
func (i *Issuer) URL(token string) string {
	return i.BaseURL + "/" + token
}
