package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrDuplicate は一意制約違反を示す。
var ErrDuplicate = errors.New("duplicate key")

// PostgreSQLのSQLSTATEコード
const (
	pqUndefinedTable  = "42P01"
	pqUniqueViolation = "23505"
)

// classifyPQError はpq.Errorのコードをリポジトリのセンチネルエラーに対応付ける。
// 対応付けのないエラーはそのまま返す。元のエラーはerrors.Asで取り出せる。
func classifyPQError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch string(pqErr.Code) {
	case pqUndefinedTable:
		return fmt.Errorf("%w: %w", ErrSchemaMissing, err)
	case pqUniqueViolation:
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	default:
		return err
	}
}
