package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Stored documents are result bundles, so the trace sits under "har".
const (
	pgEntries  = `r.har -> 'har' -> 'entries'`
	pgOnLoad   = `(r.har -> 'har' -> 'pages' -> 0 -> 'pageTimings' ->> 'onLoad')::float`
	litEntries = `'$.har.entries'`
	litOnLoad  = `CAST(json_extract(r.har, '$.har.pages[0].pageTimings.onLoad') AS REAL)`
)

func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

func (s *store) quotedTable(db *gorm.DB) string {
	return db.Statement.Quote(s.table)
}

// rawScan runs query under the read lock. The builder picks the
// dialect-specific SQL for the current pool.
func (s *store) rawScan(
	ctx context.Context, dest any, build func(db *gorm.DB) (string, []any),
) error {
	return s.withDB(func(db *gorm.DB) error {
		query, args := build(db)

		return db.WithContext(ctx).Raw(query, args...).Scan(dest).Error
	})
}

// where joins non-empty conditions with AND.
func where(conds ...string) string {
	parts := make([]string, 0, len(conds))

	for _, c := range conds {
		if c != "" {
			parts = append(parts, c)
		}
	}

	if len(parts) == 0 {
		return ""
	}

	return " WHERE " + strings.Join(parts, " AND ")
}

func experimentFilter(experiments []uuid.UUID, args []any) (string, []any) {
	if len(experiments) == 0 {
		return "", args
	}

	return "r.experiment IN ?", append(args, experiments)
}

// GetResources lists every requested URL of the traces for domains,
// optionally restricted to experiments.
func (s *store) GetResources(
	ctx context.Context, domains []string, experiments []uuid.UUID,
) ([]Resource, error) {
	var rows []Resource

	err := s.rawScan(ctx, &rows, func(db *gorm.DB) (string, []any) {
		var source, url string

		if isPostgres(db) {
			source = fmt.Sprintf("%s AS r, jsonb_array_elements(%s) AS entry", s.quotedTable(db), pgEntries)
			url = `entry -> 'request' ->> 'url'`
		} else {
			source = fmt.Sprintf("%s AS r, json_each(r.har, %s) AS entry", s.quotedTable(db), litEntries)
			url = `json_extract(entry.value, '$.request.url')`
		}

		expCond, args := experimentFilter(experiments, []any{domains})

		return fmt.Sprintf(
			"SELECT r.experiment, r.extensions, r.domain, r.har_uuid, %s AS url FROM %s%s",
			url, source, where("r.domain IN ?", expCond),
		), args
	})
	if errors.Is(err, ErrNotStarted) {
		return nil, err
	}

	if err != nil {
		s.log.WithError(err).Error("Error getting resources URLs")

		return nil, fmt.Errorf("getting resources: %w", err)
	}

	return rows, nil
}

// GetResourceCounts returns entry counts and page load times, optionally
// restricted to experiments.
func (s *store) GetResourceCounts(
	ctx context.Context, experiments []uuid.UUID,
) ([]ResourceCount, error) {
	var rows []ResourceCount

	err := s.rawScan(ctx, &rows, func(db *gorm.DB) (string, []any) {
		count := "json_array_length(r.har, " + litEntries + ")"
		onLoad := litOnLoad

		if isPostgres(db) {
			count = "jsonb_array_length(" + pgEntries + ")"
			onLoad = pgOnLoad
		}

		expCond, args := experimentFilter(experiments, nil)

		return fmt.Sprintf(
			"SELECT r.experiment, r.extensions, r.domain, r.har_uuid, %s AS resources, %s AS page_load FROM %s AS r%s",
			count, onLoad, s.quotedTable(db), where(expCond),
		), args
	})
	if errors.Is(err, ErrNotStarted) {
		return nil, err
	}

	if err != nil {
		s.log.WithError(err).Error("Error getting resource counts")

		return nil, fmt.Errorf("getting resource counts: %w", err)
	}

	return rows, nil
}

// GetPageloads returns page load times for domains, optionally restricted
// to experiments.
func (s *store) GetPageloads(
	ctx context.Context, domains []string, experiments []uuid.UUID,
) ([]PageLoad, error) {
	var rows []PageLoad

	err := s.rawScan(ctx, &rows, func(db *gorm.DB) (string, []any) {
		onLoad := litOnLoad
		if isPostgres(db) {
			onLoad = pgOnLoad
		}

		expCond, args := experimentFilter(experiments, []any{domains})

		return fmt.Sprintf(
			"SELECT r.experiment, r.extensions, r.domain, r.har_uuid, %s AS page_load FROM %s AS r%s",
			onLoad, s.quotedTable(db), where("r.domain IN ?", expCond),
		), args
	})
	if errors.Is(err, ErrNotStarted) {
		return nil, err
	}

	if err != nil {
		s.log.WithError(err).Error("Error getting pageloads")

		return nil, fmt.Errorf("getting pageloads: %w", err)
	}

	return rows, nil
}
