package storage

import (
	"context"
	"fmt"
)

// BannedHashes returns the subset of the given media hashes flagged banned.
func (s *Storage) BannedHashes(ctx context.Context, board string, hashes []string) (map[string]struct{}, error) {
	banned := make(map[string]struct{})
	if len(hashes) == 0 {
		return banned, nil
	}

	query := fmt.Sprintf("select media_hash from %s where banned != 0 and media_hash in (%s)",
		tableName(board, "images"), placeholders(len(hashes)))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(hashes)...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch banned hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan media hash: %w", err)
		}
		banned[hash] = struct{}{}
	}
	return banned, rows.Err()
}

// StoredMediaFilenames maps each known media hash to the filename it was
// stored under, for duplicate suppression.
func (s *Storage) StoredMediaFilenames(ctx context.Context, board string, hashes []string) (map[string]string, error) {
	stored := make(map[string]string)
	if len(hashes) == 0 {
		return stored, nil
	}

	query := fmt.Sprintf("select media_hash, media from %s where media is not null and media_hash in (%s)",
		tableName(board, "images"), placeholders(len(hashes)))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(hashes)...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stored media: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash, media string
		if err := rows.Scan(&hash, &media); err != nil {
			return nil, fmt.Errorf("failed to scan stored media: %w", err)
		}
		stored[hash] = media
	}
	return stored, rows.Err()
}

// UpsertImage records a completed full-media download. First sighting inserts
// total=1; a repeat bumps total and keeps the original filename.
func (s *Storage) UpsertImage(ctx context.Context, board, hash, media string) error {
	query := fmt.Sprintf(
		"insert into %s (media_hash, media, total, banned) values (?, ?, 1, 0) %s",
		tableName(board, "images"), s.d.imageUpsertClause())
	return retryOnce(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, hash, media)
		return err
	})
}
