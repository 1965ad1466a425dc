package db

import (
	"context"
)

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var result int
	err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	s.recordError(err)
	return err
}
