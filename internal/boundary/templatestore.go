package boundary

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/technosupport/proctorkernel/internal/crypto"
	"github.com/technosupport/proctorkernel/internal/model"
)

// TemplateStore persists verifier.TemplateStore's biometric templates as
// an envelope-encrypted blob: a per-template DEK (generated fresh on
// every Save) wraps the descriptor vector, and the keyring's active
// master key wraps the DEK. Grounded on internal/crypto's
// Keyring.WrapDEK/UnwrapDEK split.
type TemplateStore struct {
	db      *sql.DB
	keyring *crypto.Keyring
}

func NewTemplateStore(db *sql.DB, keyring *crypto.Keyring) *TemplateStore {
	return &TemplateStore{db: db, keyring: keyring}
}

func (t *TemplateStore) Save(ctx context.Context, tmpl model.BiometricTemplate) error {
	plaintext := encodeVector(tmpl.Vector)
	aad := []byte(tmpl.CandidateID)

	dek, err := crypto.GenerateDEK()
	if err != nil {
		return fmt.Errorf("generate dek: %w", err)
	}
	vecNonce, vecCipher, vecTag, err := crypto.EncryptGCM(dek, plaintext, aad)
	if err != nil {
		return fmt.Errorf("encrypt template: %w", err)
	}
	kid, dekNonce, dekCipher, dekTag, err := t.keyring.WrapDEK(dek, aad)
	if err != nil {
		return fmt.Errorf("wrap dek: %w", err)
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO biometric_templates (
			candidate_id, master_kid, dek_nonce, dek_ciphertext, dek_tag,
			vector_nonce, vector_ciphertext, vector_tag, enrolled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (candidate_id) DO UPDATE SET
			master_kid = EXCLUDED.master_kid,
			dek_nonce = EXCLUDED.dek_nonce,
			dek_ciphertext = EXCLUDED.dek_ciphertext,
			dek_tag = EXCLUDED.dek_tag,
			vector_nonce = EXCLUDED.vector_nonce,
			vector_ciphertext = EXCLUDED.vector_ciphertext,
			vector_tag = EXCLUDED.vector_tag,
			enrolled_at = EXCLUDED.enrolled_at
	`, tmpl.CandidateID, kid, dekNonce, dekCipher, dekTag, vecNonce, vecCipher, vecTag, tmpl.EnrolledAt)
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

func (t *TemplateStore) Load(ctx context.Context, candidateID string) (*model.BiometricTemplate, error) {
	var (
		kid                                      string
		dekNonce, dekCipher, dekTag               []byte
		vecNonce, vecCipher, vecTag               []byte
		enrolledAt                                time.Time
	)
	row := t.db.QueryRowContext(ctx, `
		SELECT master_kid, dek_nonce, dek_ciphertext, dek_tag,
		       vector_nonce, vector_ciphertext, vector_tag, enrolled_at
		FROM biometric_templates WHERE candidate_id = $1
	`, candidateID)
	if err := row.Scan(&kid, &dekNonce, &dekCipher, &dekTag, &vecNonce, &vecCipher, &vecTag, &enrolledAt); err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}

	aad := []byte(candidateID)
	dek, err := t.keyring.UnwrapDEK(kid, dekNonce, dekCipher, dekTag, aad)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	plaintext, err := crypto.DecryptGCM(dek, vecNonce, vecCipher, vecTag, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt template: %w", err)
	}

	return &model.BiometricTemplate{
		CandidateID: candidateID,
		Vector:      decodeVector(plaintext),
		EnrolledAt:  enrolledAt,
	}, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.BigEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[4*i:]))
	}
	return v
}
