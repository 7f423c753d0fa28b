package mysql

import (
	"errors"
	"fmt"
	"testing"

	drv "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/warp/stock-engine/ledger"
)

func TestLockConflictOr(t *testing.T) {
	other := errors.New("connection reset")
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"lock wait timeout", &drv.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}, true},
		{"deadlock", &drv.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}, true},
		{"wrapped by a store method", fmt.Errorf("failed to lock balance: %w", &drv.MySQLError{Number: 1205}), true},
		{"wrapped as internal", ledger.Internalf(&drv.MySQLError{Number: 1213}, "put balance"), true},
		{"duplicate key", &drv.MySQLError{Number: 1062, Message: "Duplicate entry"}, false},
		{"not a mysql error", other, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := lockConflictOr(tc.err)
			if !tc.conflict {
				assert.Same(t, tc.err, got)
				return
			}
			assert.Equal(t, ledger.KindConflict, ledger.KindOf(got))
			assert.Equal(t, "LockTimeout", ledger.CodeOf(got))
			assert.True(t, ledger.IsRetryable(got))
			var me *drv.MySQLError
			assert.True(t, errors.As(got, &me), "driver error stays reachable")
		})
	}
	assert.NoError(t, lockConflictOr(nil))
}

func TestLockConflictOr_AlreadyMapped(t *testing.T) {
	err := ledger.LockTimeoutf(&drv.MySQLError{Number: 1205}, "balance hub/flour")
	assert.Same(t, err, lockConflictOr(err))
}
