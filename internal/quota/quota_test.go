package quota

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/themadorg/mailappend/internal/apperr"
)

func TestCheckDisabledWhenMaxNonPositive(t *testing.T) {
	require.NoError(t, Check(ResourceMessages, 1000, 1000, 0))
	require.NoError(t, Check(ResourceMessages, 1000, 1000, -1))
}

func TestCheckExactBoundaryPasses(t *testing.T) {
	require.NoError(t, Check(ResourceStorage, 90, 10, 100))
}

func TestCheckOverBoundaryFails(t *testing.T) {
	err := Check(ResourceStorage, 90, 11, 100)
	require.True(t, apperr.Is(err, apperr.QuotaExceeded))
}

func TestCheckAllIgnoresResourcesWithoutFloor(t *testing.T) {
	f := Floor{ResourceMessages: 10}
	err := CheckAll(f, map[string]int64{ResourceAnnotations: 1000}, map[string]int64{ResourceAnnotations: 500})
	require.NoError(t, err)
}

func TestCheckAllReportsViolation(t *testing.T) {
	f := Floor{ResourceStorage: 100}
	err := CheckAll(f, map[string]int64{ResourceStorage: 95}, map[string]int64{ResourceStorage: 10})
	require.True(t, apperr.Is(err, apperr.QuotaExceeded))
}
