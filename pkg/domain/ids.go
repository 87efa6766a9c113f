// Package domain holds the typed identifiers shared across bounded contexts.
//
// User and transfer ids are UUIDs. Certificate ids are human-readable
// ("CRT-20260301-7K2QXA") because they are printed on artifacts and typed
// into the public verification page.
package domain

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "certchain/pkg/domain-errors"
)

type (
	UserID     uuid.UUID
	TransferID uuid.UUID
	AuditID    uuid.UUID
)

func (id UserID) String() string     { return uuid.UUID(id).String() }
func (id TransferID) String() string { return uuid.UUID(id).String() }
func (id AuditID) String() string    { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id TransferID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// MarshalText renders ids in their canonical UUID form in JSON and logs.
func (id UserID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }
func (id TransferID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id AuditID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }

func (id *UserID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = UserID(u)
	return nil
}

func (id *TransferID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = TransferID(u)
	return nil
}

func (id *AuditID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = AuditID(u)
	return nil
}

// NewTransferID returns a random transfer id.
func NewTransferID() TransferID { return TransferID(uuid.New()) }

// NewAuditID returns a random audit event id.
func NewAuditID() AuditID { return AuditID(uuid.New()) }

// ParseUserID parses a user id at a trust boundary.
func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s, "user")
	return UserID(u), err
}

// ParseTransferID parses a transfer request id at a trust boundary.
func ParseTransferID(s string) (TransferID, error) {
	u, err := parseUUID(s, "transfer")
	return TransferID(u), err
}

func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" id is required")
	}
	if !utf8.ValidString(s) || len(s) > 64 {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind+" id")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+kind+" id")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" id cannot be nil")
	}
	return u, nil
}

// CertificateID is assigned once at issuance and never reused.
type CertificateID string

func (id CertificateID) String() string { return string(id) }

const certIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var certIDPattern = regexp.MustCompile(`^CRT-[0-9]{8}-[A-Z0-9]{6}$`)

// NewCertificateID builds an id from the issuance date and six random symbols.
func NewCertificateID(now time.Time) CertificateID {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	var sb strings.Builder
	sb.WriteString("CRT-")
	sb.WriteString(now.UTC().Format("20060102"))
	sb.WriteByte('-')
	for _, c := range b {
		sb.WriteByte(certIDAlphabet[int(c)%len(certIDAlphabet)])
	}
	return CertificateID(sb.String())
}

// ParseCertificateID validates the public certificate id format.
// Lowercase input is accepted and normalized.
func ParseCertificateID(s string) (CertificateID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "certificate id is required")
	}
	norm := strings.ToUpper(strings.TrimSpace(s))
	if !certIDPattern.MatchString(norm) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid certificate id")
	}
	return CertificateID(norm), nil
}

// AssetID references the physical item. Opaque to this system.
type AssetID string

// ParseAssetID rejects empty and oversized asset references.
func ParseAssetID(s string) (AssetID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "asset id is required")
	}
	if len(s) > 128 || !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid asset id")
	}
	return AssetID(s), nil
}
