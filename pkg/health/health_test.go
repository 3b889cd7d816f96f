package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	redispkg "github.com/taskmesh-io/taskmesh/pkg/redis"
)

// MockHealthCheck implements HealthCheck interface for testing
type MockHealthCheck struct {
	name    string
	err     error
	checked bool
}

func (m *MockHealthCheck) Check(ctx context.Context) error {
	m.checked = true
	return m.err
}

func (m *MockHealthCheck) Name() string {
	return m.name
}

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker()
	assert.NotNil(t, hc)
	assert.Empty(t, hc.checks)
}

func TestHealthChecker_Register(t *testing.T) {
	hc := NewHealthChecker()
	check := &MockHealthCheck{name: "test"}

	hc.Register(check)
	assert.Len(t, hc.checks, 1)
	assert.Equal(t, check, hc.checks[0])
}

func TestHealthChecker_Check(t *testing.T) {
	hc := NewHealthChecker()
	ctx := context.Background()

	successCheck := &MockHealthCheck{name: "success"}
	failCheck := &MockHealthCheck{
		name: "fail",
		err:  errors.New("check failed"),
	}

	hc.Register(successCheck)
	hc.Register(failCheck)

	results := hc.Check(ctx)

	assert.Len(t, results, 2)
	assert.NoError(t, results["success"])
	assert.Error(t, results["fail"])
	assert.True(t, successCheck.checked)
	assert.True(t, failCheck.checked)
}

func TestHealthChecker_ReportAllUp(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register(CheckFunc("database", func(context.Context) error { return nil }))
	hc.Register(CheckFunc("redis", func(context.Context) error { return nil }))

	report := hc.Report(context.Background())

	assert.Equal(t, StatusUp, report.Status)
	assert.Len(t, report.Components, 2)
	assert.Equal(t, StatusUp, report.Components["database"].Status)
	assert.Empty(t, report.Components["database"].Error)
	assert.False(t, report.CheckedAt.IsZero())
}

func TestHealthChecker_ReportOneDown(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register(CheckFunc("database", func(context.Context) error { return nil }))
	hc.Register(CheckFunc("redis", func(context.Context) error {
		return errors.New("connection refused")
	}))

	report := hc.Report(context.Background())

	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, StatusUp, report.Components["database"].Status)
	assert.Equal(t, StatusDown, report.Components["redis"].Status)
	assert.Equal(t, "connection refused", report.Components["redis"].Error)
}

func TestHealthChecker_ReportEmpty(t *testing.T) {
	hc := NewHealthChecker()

	report := hc.Report(context.Background())

	assert.Equal(t, StatusUp, report.Status)
	assert.Empty(t, report.Components)
}

func TestDatabaseHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	check := NewDatabaseHealthCheck("db", db)
	assert.Equal(t, "db", check.Name())

	mock.ExpectPing()
	assert.NoError(t, check.Check(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection reset"))
	assert.Error(t, check.Check(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	mgr := redispkg.NewManager(redispkg.Config{Host: mr.Host(), Port: mr.Port()}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = mgr.Close() })

	check := NewRedisHealthCheck("redis", mgr)
	assert.Equal(t, "redis", check.Name())
	assert.NoError(t, check.Check(context.Background()))

	mr.Close()
	assert.Error(t, check.Check(context.Background()))
}

func TestConcurrentHealthChecks(t *testing.T) {
	hc := NewHealthChecker()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		check := &MockHealthCheck{name: fmt.Sprintf("check-%d", i)}
		hc.Register(check)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results := hc.Check(ctx)
			assert.Len(t, results, 10)
		}()
	}

	wg.Wait()
}

func TestHealthCheckerWithTimeout(t *testing.T) {
	hc := NewHealthChecker()
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	hc.Register(CheckFunc("timeout-check", func(ctx context.Context) error {
		return ctx.Err()
	}))

	results := hc.Check(ctx)
	assert.ErrorIs(t, results["timeout-check"], context.DeadlineExceeded)
}
