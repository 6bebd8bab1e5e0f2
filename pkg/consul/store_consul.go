//go:build consul

package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/model"
)

// Store is a Consul KV backed FleetStore implementation.
type Store struct {
	cli *consulapi.Client
	log *log.Logger
}

const (
	nodePrefix       = "relay-fleet/nodes/"
	assignmentPrefix = "relay-fleet/assignments/"
	switchLogPrefix  = "relay-fleet/switchlog/"
	countryPrefix    = "relay-fleet/countries/"
)

var errNotConfigured = fmt.Errorf("consul client not configured")

func NewStore(addr string, logger *log.Logger) *Store {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		logger.Errorf("consul client init failed: %v", err)
	}
	return &Store{cli: cli, log: logger}
}

func (s *Store) put(key string, v interface{}) error {
	if s.cli == nil {
		return errNotConfigured
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: key, Value: b}, nil)
	return err
}

func (s *Store) get(key string, v interface{}) (bool, error) {
	if s.cli == nil {
		return false, errNotConfigured
	}
	kv, _, err := s.cli.KV().Get(key, nil)
	if err != nil || kv == nil {
		return false, err
	}
	if err := json.Unmarshal(kv.Value, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) list(prefix string) (consulapi.KVPairs, error) {
	if s.cli == nil {
		return nil, errNotConfigured
	}
	pairs, _, err := s.cli.KV().List(prefix, nil)
	return pairs, err
}

func (s *Store) UpsertNode(n model.Node) (model.Node, error) {
	var existing model.Node
	if ok, err := s.get(nodePrefix+n.ID, &existing); err != nil {
		return n, err
	} else if ok {
		n.CreatedAt = existing.CreatedAt
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.UpdatedAt = time.Now()
	return n, s.put(nodePrefix+n.ID, n)
}

func (s *Store) GetNode(id string) (model.Node, bool, error) {
	var n model.Node
	ok, err := s.get(nodePrefix+id, &n)
	return n, ok, err
}

func (s *Store) ListNodes(f model.NodeFilter) ([]model.Node, error) {
	pairs, err := s.list(nodePrefix)
	if err != nil {
		return nil, err
	}
	var out []model.Node
	for _, p := range pairs {
		var n model.Node
		if err := json.Unmarshal(p.Value, &n); err == nil && f.Match(n) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteNode(id string) error {
	if s.cli == nil {
		return errNotConfigured
	}
	_, err := s.cli.KV().Delete(nodePrefix+id, nil)
	return err
}

func assignmentKey(userID int64) string {
	return assignmentPrefix + strconv.FormatInt(userID, 10)
}

func (s *Store) GetActiveAssignment(userID int64) (model.Assignment, bool, error) {
	var a model.Assignment
	ok, err := s.get(assignmentKey(userID), &a)
	return a, ok, err
}

// ReplaceAssignment submits delete+set as one Consul transaction.
func (s *Store) ReplaceAssignment(userID int64, a model.Assignment) (model.Assignment, error) {
	if s.cli == nil {
		return a, errNotConfigured
	}
	a.UserID = userID
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	if a.LastSwitchAt.IsZero() {
		a.LastSwitchAt = a.AssignedAt
	}
	a.ID = uint(a.AssignedAt.UnixNano() & 0x7fffffff)
	b, err := json.Marshal(a)
	if err != nil {
		return a, err
	}
	key := assignmentKey(userID)
	ops := consulapi.TxnOps{
		{KV: &consulapi.KVTxnOp{Verb: consulapi.KVDelete, Key: key}},
		{KV: &consulapi.KVTxnOp{Verb: consulapi.KVSet, Key: key, Value: b}},
	}
	ok, resp, _, err := s.cli.Txn().Txn(ops, nil)
	if err != nil {
		return a, err
	}
	if !ok {
		var msgs []string
		for _, e := range resp.Errors {
			msgs = append(msgs, e.What)
		}
		return a, fmt.Errorf("assignment txn rolled back: %s", strings.Join(msgs, "; "))
	}
	return a, nil
}

func (s *Store) DeleteAssignment(userID int64) error {
	if s.cli == nil {
		return errNotConfigured
	}
	_, err := s.cli.KV().Delete(assignmentKey(userID), nil)
	return err
}

func (s *Store) ListAssignmentsByNode(nodeID string) ([]model.Assignment, error) {
	pairs, err := s.list(assignmentPrefix)
	if err != nil {
		return nil, err
	}
	out := []model.Assignment{}
	for _, p := range pairs {
		var a model.Assignment
		if err := json.Unmarshal(p.Value, &a); err == nil && a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) CountActiveBindingsForNode(nodeID string) (int, error) {
	items, err := s.ListAssignmentsByNode(nodeID)
	return len(items), err
}

func (s *Store) AppendSwitchLog(e model.SwitchLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	key := fmt.Sprintf("%s%020d-%d", switchLogPrefix, e.CreatedAt.UnixNano(), e.UserID)
	return s.put(key, e)
}

func (s *Store) ListSwitchLog(userID int64, limit int) ([]model.SwitchLogEntry, error) {
	pairs, err := s.list(switchLogPrefix)
	if err != nil {
		return nil, err
	}
	out := []model.SwitchLogEntry{}
	for _, p := range pairs {
		var e model.SwitchLogEntry
		if err := json.Unmarshal(p.Value, &e); err == nil && (userID == 0 || e.UserID == userID) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) UpsertCountry(c model.Country) error {
	c.Code = strings.ToUpper(c.Code)
	return s.put(countryPrefix+c.Code, c)
}

func (s *Store) GetCountry(code string) (model.Country, bool, error) {
	var c model.Country
	ok, err := s.get(countryPrefix+strings.ToUpper(code), &c)
	return c, ok, err
}

func (s *Store) ListCountries() ([]model.Country, error) {
	pairs, err := s.list(countryPrefix)
	if err != nil {
		return nil, err
	}
	var out []model.Country
	for _, p := range pairs {
		var c model.Country
		if err := json.Unmarshal(p.Value, &c); err == nil {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (s *Store) Ping() error {
	if s.cli == nil {
		return errNotConfigured
	}
	_, err := s.cli.Status().Leader()
	return err
}

// LeaderGuard runs cb while this process holds the Consul lock on key,
// re-acquiring after loss until ctx is done.
func (s *Store) LeaderGuard(ctx context.Context, key string, retry time.Duration, cb func(context.Context)) {
	if s.cli == nil {
		s.log.Errorf("leader guard disabled: %v", errNotConfigured)
		return
	}
	for ctx.Err() == nil {
		lock, err := s.cli.LockKey(key)
		if err != nil {
			s.log.Warnf("leader lock %s: %v", key, err)
			sleepCtx(ctx, retry)
			continue
		}
		lostCh, err := lock.Lock(ctx.Done())
		if err != nil || lostCh == nil {
			sleepCtx(ctx, retry)
			continue
		}
		lctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-lostCh:
			case <-lctx.Done():
			}
			cancel()
		}()
		cb(lctx)
		cancel()
		_ = lock.Unlock()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
