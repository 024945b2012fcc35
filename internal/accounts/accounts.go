// Package accounts loads the accounts YAML file and answers the three
// admission questions: does this token exist, may it reach this route, and
// is the caller's IP inside an allowed range. It also tracks which accounts
// currently hold a connection lease.
//
// Loaded accounts form an immutable generation behind an atomic pointer;
// reload swaps the whole generation or leaves the old one untouched on any
// error. Leases reference the Account value they were granted, so they
// survive reloads.
package accounts

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/streamsockets/streamsockets/internal/domain"
)

// Account is one record of the accounts file. Immutable once loaded.
type Account struct {
	Name       string   `yaml:"name"`
	Token      string   `yaml:"token"`
	Reuse      bool     `yaml:"reuse"`
	Routes     []string `yaml:"routes"`
	AllowedIPs []string `yaml:"allowedIps"`
}

type accountsFile struct {
	Accounts []*Account `yaml:"accounts"`
}

// entry is an Account with its derived lookup structures.
type entry struct {
	account  *Account
	routes   map[string]struct{}
	prefixes []netip.Prefix
}

// generation is one immutable parse of the accounts file.
type generation struct {
	byToken map[string]*entry
	routes  map[string]struct{}
}

// Store is the process-wide account store and lease tracker.
type Store struct {
	path string
	log  *slog.Logger
	gen  atomic.Pointer[generation]

	leaseMu sync.Mutex
	leases  map[*Account]int
}

// Load parses the accounts file at path and returns a ready Store.
func Load(path string, logger *slog.Logger) (*Store, error) {
	accs, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	gen, err := buildGeneration(accs)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:   path,
		log:    logger,
		leases: map[*Account]int{},
	}
	s.gen.Store(gen)
	logger.Info("loaded accounts", "file", path, "accounts", len(gen.byToken))
	return s, nil
}

// NewFromAccounts builds a Store directly from records. Reload is a no-op
// without a file path; tests and embedders use this.
func NewFromAccounts(accs []*Account, logger *slog.Logger) (*Store, error) {
	gen, err := buildGeneration(accs)
	if err != nil {
		return nil, err
	}
	s := &Store{
		log:    logger,
		leases: map[*Account]int{},
	}
	s.gen.Store(gen)
	return s, nil
}

// Authenticate returns the account matching token, route, and client IP, or
// nil. No error detail is exposed; misses log at debug only.
func (s *Store) Authenticate(token, route, clientIP string) *Account {
	gen := s.gen.Load()
	e, ok := gen.byToken[token]
	if !ok {
		s.log.Debug("token does not match", "client_ip", clientIP)
		return nil
	}
	if _, ok := e.routes[route]; !ok {
		s.log.Debug("route does not match", "route", route, "client_ip", clientIP)
		return nil
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		s.log.Debug("client ip unparseable", "client_ip", clientIP)
		return nil
	}
	addr = addr.Unmap()
	for _, p := range e.prefixes {
		if p.Contains(addr) {
			return e.account
		}
	}
	s.log.Debug("client ip not allowed", "client_ip", clientIP, "account", e.account.Name)
	return nil
}

// Lease records an active connection for the account. It fails when the
// account is already leased and does not allow reuse.
func (s *Store) Lease(a *Account) bool {
	if a == nil {
		return false
	}
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if s.leases[a] > 0 && !a.Reuse {
		return false
	}
	s.leases[a]++
	return true
}

// Release drops one lease for the account and reports whether one was held.
func (s *Store) Release(a *Account) bool {
	if a == nil {
		return false
	}
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	n := s.leases[a]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(s.leases, a)
	} else {
		s.leases[a] = n - 1
	}
	return true
}

// ContainsRoute reports whether any account carries the route.
func (s *Store) ContainsRoute(route string) bool {
	_, ok := s.gen.Load().routes[route]
	return ok
}

// Reload re-parses the store's file. On any error the current generation
// stays in place and the error is logged.
func (s *Store) Reload() {
	if s.path == "" {
		s.log.Warn("cannot reload accounts: no file path configured")
		return
	}
	s.ReloadFrom(s.path)
}

// ReloadFrom re-parses path and atomically publishes the new generation.
func (s *Store) ReloadFrom(path string) {
	accs, err := parseFile(path)
	if err != nil {
		s.log.Error("accounts reload failed", "file", path, "err", err)
		return
	}
	gen, err := buildGeneration(accs)
	if err != nil {
		s.log.Error("accounts reload failed", "file", path, "err", err)
		return
	}
	s.gen.Store(gen)
	s.log.Info("accounts reloaded", "file", path, "accounts", len(gen.byToken))
}

func parseFile(path string) ([]*Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var f accountsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	return f.Accounts, nil
}

func buildGeneration(accs []*Account) (*generation, error) {
	gen := &generation{
		byToken: make(map[string]*entry, len(accs)),
		routes:  map[string]struct{}{},
	}
	for _, a := range accs {
		if a == nil || a.Token == "" {
			return nil, fmt.Errorf("account %q has no token", accountName(a))
		}
		if _, dup := gen.byToken[a.Token]; dup {
			return nil, domain.ErrDuplicateToken
		}
		e := &entry{
			account: a,
			routes:  make(map[string]struct{}, len(a.Routes)),
		}
		for _, r := range a.Routes {
			e.routes[r] = struct{}{}
			gen.routes[r] = struct{}{}
		}
		for _, cidr := range a.AllowedIPs {
			p, err := parsePrefix(cidr)
			if err != nil {
				return nil, fmt.Errorf("account %q: bad allowed ip %q: %w", a.Name, cidr, err)
			}
			e.prefixes = append(e.prefixes, p)
		}
		gen.byToken[a.Token] = e
	}
	return gen, nil
}

// parsePrefix accepts either a CIDR range or a bare address, which gets a
// full-length mask.
func parsePrefix(v string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(v); err == nil {
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func accountName(a *Account) string {
	if a == nil {
		return ""
	}
	return a.Name
}
