// Package sanitizer is the policy gate in front of command dispatch and
// file access. Command checks match a declarative rule set; path checks
// require containment under the session working directory after symlink and
// dot-segment resolution. Decisions are audit-logged with the session id
// and rule id, never the blocked input itself.
package sanitizer

import (
	"strings"
	"sync"

	"github.com/MichaelrKraft/coder1-bridge/pkg/errors"
	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
)

// Sanitizer evaluates commands and paths against the active policy.
// Safe for concurrent use.
type Sanitizer struct {
	mu       sync.RWMutex
	policy   *Policy
	compiled []compiledRule
	sessions map[string]*sessionLists
	logger   *logging.Logger
}

// sessionLists holds per-session overrides pushed via config:update.
type sessionLists struct {
	allowed []string
	blocked []string
}

// New creates a sanitizer with the built-in default policy.
func New(logger *logging.Logger) *Sanitizer {
	s := &Sanitizer{
		sessions: make(map[string]*sessionLists),
		logger:   logger,
	}
	// Default policy is static and always compiles.
	policy := DefaultPolicy()
	compiled, err := compilePolicy(policy)
	if err != nil {
		panic("sanitizer: default policy failed to compile: " + err.Error())
	}
	s.policy = policy
	s.compiled = compiled
	return s
}

// LoadPolicy replaces the active policy from a YAML file.
func (s *Sanitizer) LoadPolicy(path string) error {
	policy, err := LoadPolicyFile(path)
	if err != nil {
		return err
	}
	return s.SetPolicy(policy)
}

// LoadPolicyFromBytes replaces the active policy from YAML bytes.
func (s *Sanitizer) LoadPolicyFromBytes(data []byte) error {
	policy, err := ParsePolicy(data)
	if err != nil {
		return err
	}
	return s.SetPolicy(policy)
}

// SetPolicy swaps in a new policy after compiling it.
func (s *Sanitizer) SetPolicy(policy *Policy) error {
	compiled, err := compilePolicy(policy)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = policy
	s.compiled = compiled
	s.mu.Unlock()
	return nil
}

// SetRuleEnabled toggles one rule by id and recompiles.
func (s *Sanitizer) SetRuleEnabled(id string, enabled bool) error {
	s.mu.Lock()
	policy := s.policy
	for i := range policy.Rules {
		if policy.Rules[i].ID == id {
			policy.Rules[i].Enabled = enabled
		}
	}
	compiled, err := compilePolicy(policy)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.compiled = compiled
	s.mu.Unlock()
	return nil
}

// SetSessionLists installs per-session allow/block lists from
// config:update. An empty allowed list permits any command that clears the
// policy; a non-empty list additionally restricts the leading token.
func (s *Sanitizer) SetSessionLists(sessionID string, allowed, blocked []string) {
	s.mu.Lock()
	s.sessions[sessionID] = &sessionLists{
		allowed: append([]string(nil), allowed...),
		blocked: append([]string(nil), blocked...),
	}
	s.mu.Unlock()
}

// ForgetSession drops per-session overrides.
func (s *Sanitizer) ForgetSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// CheckCommand evaluates command text against the policy. The returned
// error carries the rule id but never echoes the command back.
func (s *Sanitizer) CheckCommand(sessionID, command string) *errors.Error {
	s.mu.RLock()
	compiled := s.compiled
	lists := s.sessions[sessionID]
	s.mu.RUnlock()

	for _, rule := range compiled {
		if rule.re.MatchString(command) {
			s.audit(sessionID, "command_blocked", rule.id)
			return errors.New(errors.ErrCodeCommandBlocked, "command blocked by security policy").
				WithContext("rule", rule.id).
				WithContext("session", sessionID).
				WithUserMessage("This command is blocked by the bridge security policy.")
		}
	}

	if lists != nil {
		head := commandHead(command)
		for _, blocked := range lists.blocked {
			if strings.EqualFold(head, blocked) {
				s.audit(sessionID, "command_blocked", "session-blocklist")
				return errors.New(errors.ErrCodeCommandBlocked, "command blocked by session policy").
					WithContext("session", sessionID)
			}
		}
		if len(lists.allowed) > 0 {
			permitted := false
			for _, allowed := range lists.allowed {
				if strings.EqualFold(head, allowed) {
					permitted = true
					break
				}
			}
			if !permitted {
				s.audit(sessionID, "command_blocked", "session-allowlist")
				return errors.New(errors.ErrCodeCommandBlocked, "command not in session allowlist").
					WithContext("session", sessionID)
			}
		}
	}

	return nil
}

// CheckPath resolves path against workingDirectory and requires the
// resolved result to stay inside it. Resolution happens on the post
// symlink/dot-segment form so traversal cannot be smuggled through links.
// Returns the resolved absolute path on success.
func (s *Sanitizer) CheckPath(sessionID, path, workingDirectory string) (string, *errors.Error) {
	resolved, err := ResolveWithin(workingDirectory, path)
	if err != nil {
		s.audit(sessionID, "path_blocked", "containment")
		return "", errors.Wrap(err, errors.ErrCodePathTraversal, "path escapes working directory").
			WithContext("session", sessionID).
			WithUserMessage("The requested path is outside the session working directory.")
	}
	return resolved, nil
}

func (s *Sanitizer) audit(sessionID, event, rule string) {
	s.logger.Warn(logging.CategorySanitizer, event, "sanitizer decision", map[string]any{
		"session_id": sessionID,
		"rule":       rule,
	})
}

func commandHead(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
