package store

import (
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"relay-fleet/pkg/model"
)

var ErrUserExists = errors.New("user already exists")

// Users holds operator accounts for the API.
type Users interface {
	CountUsers() (int64, error)
	CreateUser(u *model.User) error
	FindUser(username string) (model.User, bool, error)
	TouchLogin(id uint, at time.Time) error
}

func (g *GormStore) CountUsers() (int64, error) {
	var n int64
	err := g.db.Model(&model.User{}).Count(&n).Error
	return n, err
}

func (g *GormStore) CreateUser(u *model.User) error {
	err := g.db.Create(u).Error
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate") {
		return ErrUserExists
	}
	return err
}

func (g *GormStore) FindUser(username string) (model.User, bool, error) {
	var u model.User
	err := g.db.Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.User{}, false, nil
	}
	return u, err == nil, err
}

func (g *GormStore) TouchLogin(id uint, at time.Time) error {
	return g.db.Model(&model.User{}).Where("id = ?", id).Update("last_login_at", at).Error
}

// MemoryUsers keeps accounts for the memory and consul backends; they are
// lost on restart.
type MemoryUsers struct {
	mu     sync.RWMutex
	users  map[string]model.User
	nextID uint
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[string]model.User)}
}

func (m *MemoryUsers) CountUsers() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.users)), nil
}

func (m *MemoryUsers) CreateUser(u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return ErrUserExists
	}
	m.nextID++
	u.ID = m.nextID
	u.CreatedAt = time.Now()
	m.users[u.Username] = *u
	return nil
}

func (m *MemoryUsers) FindUser(username string) (model.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	return u, ok, nil
}

func (m *MemoryUsers) TouchLogin(id uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, u := range m.users {
		if u.ID == id {
			u.LastLoginAt = &at
			m.users[name] = u
			return nil
		}
	}
	return ErrNotFound
}
