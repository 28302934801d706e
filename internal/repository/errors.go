package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/lib/pq"

	"github.com/hitoshi/vanish/internal/model"
)

// 一時障害として扱うPostgreSQLのエラークラス
var transientClasses = map[pq.ErrorClass]bool{
	"08": true, // connection_exception
	"40": true, // transaction_rollback (serialization_failure, deadlock_detected)
	"53": true, // insufficient_resources
	"57": true, // operator_intervention (admin_shutdown, query_canceled)
}

// wrapError は操作名を付与してエラーをラップする。
// 接続断などの一時障害はmodel.NewUnavailableErrorに変換し、
// 呼び出し側がバックオフ付きで再試行できるようにする。
func wrapError(err error, op string) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if isTransient(err) {
		return model.NewUnavailableError(wrapped)
	}
	return wrapped
}

// isTransient は再試行により回復し得るエラーかどうかを判定する。
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientClasses[pqErr.Code.Class()]
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
