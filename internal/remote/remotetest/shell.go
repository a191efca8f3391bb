// Package remotetest provides a scripted remote.Dialer for tests.
package remotetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/limiquantix/clustermaint/internal/domain"
	"github.com/limiquantix/clustermaint/internal/remote"
)

// Shell answers commands by substring match. Responses are looked up per
// address first, then in the shared table.
type Shell struct {
	mu sync.Mutex

	Responses map[string]*remote.Result
	PerHost   map[string]map[string]*remote.Result
	DialErr   map[string]error
	RunErr    map[string]error

	commands map[string][]string
	users    []string
}

// New returns an empty shell where every command succeeds with no output.
func New() *Shell {
	return &Shell{
		Responses: make(map[string]*remote.Result),
		PerHost:   make(map[string]map[string]*remote.Result),
		DialErr:   make(map[string]error),
		RunErr:    make(map[string]error),
		commands:  make(map[string][]string),
	}
}

// Respond sets the result for commands containing match on address ("" for all).
func (s *Shell) Respond(address, match string, exit int, stdout string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := &remote.Result{ExitStatus: exit, Stdout: stdout}
	if address == "" {
		s.Responses[match] = res
		return
	}
	if s.PerHost[address] == nil {
		s.PerHost[address] = make(map[string]*remote.Result)
	}
	s.PerHost[address][match] = res
}

// Commands returns the commands run on address.
func (s *Shell) Commands(address string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands[address]...)
}

// Users returns the usernames sessions were opened with.
func (s *Shell) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.users...)
}

// Dial implements remote.Dialer.
func (s *Shell) Dial(ctx context.Context, address string, cred *domain.Credential) (remote.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.DialErr[address]; err != nil {
		return nil, err
	}
	if !cred.Usable() {
		return nil, domain.ErrNotConfigured
	}
	s.users = append(s.users, cred.ShellUsername())
	return &session{shell: s, address: address}, nil
}

type session struct {
	shell   *Shell
	address string
}

func (s *session) Run(ctx context.Context, cmd string) (*remote.Result, error) {
	sh := s.shell
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.commands[s.address] = append(sh.commands[s.address], cmd)
	if err := sh.RunErr[s.address]; err != nil {
		return nil, fmt.Errorf("failed to run %q: %w", cmd, err)
	}
	if res := match(sh.PerHost[s.address], cmd); res != nil {
		return res, nil
	}
	if res := match(sh.Responses, cmd); res != nil {
		return res, nil
	}
	return &remote.Result{}, nil
}

func (s *session) Close() error { return nil }

func match(table map[string]*remote.Result, cmd string) *remote.Result {
	best := ""
	for k := range table {
		if strings.Contains(cmd, k) && len(k) > len(best) {
			best = k
		}
	}
	if best == "" {
		return nil
	}
	res := *table[best]
	return &res
}

var _ remote.Dialer = (*Shell)(nil)
