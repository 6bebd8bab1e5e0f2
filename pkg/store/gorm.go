package store

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relay-fleet/pkg/model"
)

// GormStore persists fleet state and operator accounts through gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Models lists every table the store needs migrated.
func Models() []interface{} {
	return []interface{}{
		&model.Node{},
		&model.Assignment{},
		&model.SwitchLogEntry{},
		&model.Country{},
		&model.User{},
	}
}

func (s *GormStore) UpsertNode(n model.Node) (model.Node, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.UpdatedAt = time.Now()
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&n).Error
	return n, err
}

func (s *GormStore) GetNode(id string) (model.Node, bool, error) {
	var n model.Node
	err := s.db.Where("id = ?", id).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Node{}, false, nil
	}
	if err != nil {
		return model.Node{}, false, err
	}
	return n, true, nil
}

func (s *GormStore) ListNodes(f model.NodeFilter) ([]model.Node, error) {
	q := s.db.Model(&model.Node{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Region != "" {
		q = q.Where("region = ?", f.Region)
	}
	if len(f.Healths) > 0 {
		q = q.Where("health_status IN ?", f.Healths)
	}
	var out []model.Node
	err := q.Order("priority desc").Order("created_at asc").Order("id asc").Find(&out).Error
	return out, err
}

func (s *GormStore) DeleteNode(id string) error {
	res := s.db.Where("id = ?", id).Delete(&model.Node{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetActiveAssignment(userID int64) (model.Assignment, bool, error) {
	var a model.Assignment
	err := s.db.Where("user_id = ?", userID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Assignment{}, false, nil
	}
	if err != nil {
		return model.Assignment{}, false, err
	}
	return a, true, nil
}

// ReplaceAssignment deletes and inserts inside one transaction; a concurrent
// writer for the same user that loses the unique-index race retries once.
func (s *GormStore) ReplaceAssignment(userID int64, a model.Assignment) (model.Assignment, error) {
	a.ID = 0
	a.UserID = userID
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	if a.LastSwitchAt.IsZero() {
		a.LastSwitchAt = a.AssignedAt
	}
	replace := func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("user_id = ?", userID).Delete(&model.Assignment{}).Error; err != nil {
				return err
			}
			row := a
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			a = row
			return nil
		})
	}
	err := replace()
	if err != nil && isDuplicate(err) {
		err = replace()
	}
	return a, err
}

func (s *GormStore) DeleteAssignment(userID int64) error {
	return s.db.Where("user_id = ?", userID).Delete(&model.Assignment{}).Error
}

func (s *GormStore) ListAssignmentsByNode(nodeID string) ([]model.Assignment, error) {
	var out []model.Assignment
	err := s.db.Where("node_id = ?", nodeID).Order("assigned_at asc").Find(&out).Error
	return out, err
}

func (s *GormStore) CountActiveBindingsForNode(nodeID string) (int, error) {
	var count int64
	err := s.db.Model(&model.Assignment{}).Where("node_id = ?", nodeID).Count(&count).Error
	return int(count), err
}

func (s *GormStore) AppendSwitchLog(e model.SwitchLogEntry) error {
	e.ID = 0
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.db.Create(&e).Error
}

func (s *GormStore) ListSwitchLog(userID int64, limit int) ([]model.SwitchLogEntry, error) {
	q := s.db.Model(&model.SwitchLogEntry{}).Order("id desc")
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.SwitchLogEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	// oldest first, same as the memory store
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *GormStore) UpsertCountry(c model.Country) error {
	c.Code = strings.ToUpper(c.Code)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		UpdateAll: true,
	}).Create(&c).Error
}

func (s *GormStore) GetCountry(code string) (model.Country, bool, error) {
	var c model.Country
	err := s.db.Where("code = ?", strings.ToUpper(code)).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Country{}, false, nil
	}
	if err != nil {
		return model.Country{}, false, err
	}
	return c, true, nil
}

func (s *GormStore) ListCountries() ([]model.Country, error) {
	var out []model.Country
	err := s.db.Order("priority desc").Order("code asc").Find(&out).Error
	return out, err
}

func (s *GormStore) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}
