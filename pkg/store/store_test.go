package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"relay-fleet/pkg/db"
	"relay-fleet/pkg/model"
)

func backends(t *testing.T) map[string]FleetStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "fleet.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	_, err = db.Migrate(gdb, Models()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return map[string]FleetStore{
		"memory": NewMemoryStore(),
		"gorm":   NewGormStore(gdb),
	}
}

func TestNodes(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []model.Node{
				{ID: "a", Name: "a", Region: "DE", Status: model.StatusActive, HealthStatus: model.HealthHealthy, Priority: 50, MaxUsers: 10},
				{ID: "b", Name: "b", Region: "DE", Status: model.StatusActive, HealthStatus: model.HealthUnknown, Priority: 90, MaxUsers: 10},
				{ID: "c", Name: "c", Region: "NL", Status: model.StatusInactive, HealthStatus: model.HealthUnhealthy, Priority: 100, MaxUsers: 10},
			} {
				_, err := s.UpsertNode(n)
				require.NoError(t, err)
			}

			got, ok, err := s.GetNode("a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "DE", got.Region)
			_, ok, err = s.GetNode("zz")
			require.NoError(t, err)
			assert.False(t, ok)

			de, err := s.ListNodes(model.NodeFilter{Status: model.StatusActive, Region: "DE", Healths: []string{model.HealthHealthy, model.HealthUnknown}})
			require.NoError(t, err)
			require.Len(t, de, 2)
			assert.Equal(t, "b", de[0].ID, "priority desc")

			got.MaxUsers = 99
			_, err = s.UpsertNode(got)
			require.NoError(t, err)
			got, _, _ = s.GetNode("a")
			assert.Equal(t, 99, got.MaxUsers)

			require.NoError(t, s.DeleteNode("c"))
			assert.ErrorIs(t, s.DeleteNode("c"), ErrNotFound)
			all, _ := s.ListNodes(model.NodeFilter{})
			assert.Len(t, all, 2)
		})
	}
}

func TestAssignments(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first, err := s.ReplaceAssignment(1, model.Assignment{NodeID: "a", Region: "DE"})
			require.NoError(t, err)
			assert.False(t, first.AssignedAt.IsZero())

			_, err = s.ReplaceAssignment(2, model.Assignment{NodeID: "a", Region: "DE"})
			require.NoError(t, err)
			_, err = s.ReplaceAssignment(1, model.Assignment{NodeID: "b", Region: "DE"})
			require.NoError(t, err)

			a, ok, err := s.GetActiveAssignment(1)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "b", a.NodeID)

			count, err := s.CountActiveBindingsForNode("a")
			require.NoError(t, err)
			assert.Equal(t, 1, count)
			onB, err := s.ListAssignmentsByNode("b")
			require.NoError(t, err)
			require.Len(t, onB, 1)
			assert.Equal(t, int64(1), onB[0].UserID)

			require.NoError(t, s.DeleteAssignment(1))
			require.NoError(t, s.DeleteAssignment(1))
			_, ok, _ = s.GetActiveAssignment(1)
			assert.False(t, ok)
		})
	}
}

func TestConcurrentReplaceKeepsOneRow(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			nodes := []string{"a", "b", "c"}
			var wg sync.WaitGroup
			for i := 0; i < 30; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _ = s.ReplaceAssignment(42, model.Assignment{NodeID: nodes[i%len(nodes)], Region: "DE"})
				}(i)
			}
			wg.Wait()

			total := 0
			for _, n := range nodes {
				c, err := s.CountActiveBindingsForNode(n)
				require.NoError(t, err)
				total += c
			}
			assert.Equal(t, 1, total)
		})
	}
}

func TestSwitchLog(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				require.NoError(t, s.AppendSwitchLog(model.SwitchLogEntry{UserID: int64(i % 2), ToNodeID: "a", Reason: model.ReasonPlacement, Success: true}))
			}
			all, err := s.ListSwitchLog(0, 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)

			one, err := s.ListSwitchLog(1, 0)
			require.NoError(t, err)
			assert.Len(t, one, 2)

			last, err := s.ListSwitchLog(0, 2)
			require.NoError(t, err)
			require.Len(t, last, 2)
			assert.Less(t, last[0].ID, last[1].ID)
			assert.Equal(t, all[4].ID, last[1].ID)
		})
	}
}

func TestCountries(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.UpsertCountry(model.Country{Code: "de", Name: "Германия", Active: true, Priority: 80}))
			require.NoError(t, s.UpsertCountry(model.Country{Code: "RU", Name: "Россия", Active: true, Priority: 100}))

			c, ok, err := s.GetCountry("DE")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "Германия", c.Name)

			list, err := s.ListCountries()
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "RU", list[0].Code)
			assert.NoError(t, s.Ping())
		})
	}
}

func TestUsers(t *testing.T) {
	gormBackend := backends(t)["gorm"].(*GormStore)
	for name, u := range map[string]Users{"memory": NewMemoryUsers(), "gorm": gormBackend} {
		t.Run(name, func(t *testing.T) {
			n, err := u.CountUsers()
			require.NoError(t, err)
			assert.Zero(t, n)

			admin := &model.User{Username: "admin", PasswordHash: "x", IsAdmin: true}
			require.NoError(t, u.CreateUser(admin))
			assert.NotZero(t, admin.ID)
			assert.ErrorIs(t, u.CreateUser(&model.User{Username: "admin"}), ErrUserExists)

			got, ok, err := u.FindUser("admin")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.IsAdmin)
			_, ok, err = u.FindUser("nobody")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, u.TouchLogin(admin.ID, time.Now()))
			got, _, _ = u.FindUser("admin")
			assert.NotNil(t, got.LastLoginAt)
		})
	}
}
