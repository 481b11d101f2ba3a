package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/starford/heirloom/internal/apperr"
	"github.com/starford/heirloom/internal/models"
)

// Snapshot is the serialized export format.
type Snapshot struct {
	ExportedAt time.Time               `json:"exported_at"`
	Records    []*models.StorageRecord `json:"records"`
}

// Export serializes every record with its payload decrypted. Unlike the
// rest of this service, Export fails hard when the keyring is locked: a
// snapshot of undecryptable ciphertext is useless, so there is no degraded
// path here.
func (s *Service) Export(ctx context.Context) ([]byte, error) {
	if !s.keys.Unlocked() {
		return nil, apperr.ErrLocked
	}

	rows, err := s.db.ListRecords(ctx, "")
	if err != nil {
		return nil, err
	}

	snap := Snapshot{ExportedAt: time.Now().UTC()}
	for _, row := range rows {
		rec, err := s.recordFromRow(row)
		if err != nil {
			return nil, err
		}
		if rec.Payload == nil && rec.Metadata.IsEncrypted {
			return nil, fmt.Errorf("vault: record %s not decryptable", rec.ID)
		}
		snap.Records = append(snap.Records, rec)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("vault: encode snapshot: %w", err)
	}
	if err := s.audit.Append(ctx, "vault", "export", map[string]string{
		"records": fmt.Sprintf("%d", len(snap.Records)),
	}); err != nil {
		return nil, err
	}
	return data, nil
}
