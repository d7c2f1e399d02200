package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// PrincipalPolicy implements token.PolicySource: the policy table lives
// in the encrypted document and rides the same persistence.
func (s *Store) PrincipalPolicy(principal string) (*document.PrincipalPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.doc.Policies[principal]
	if !ok {
		return nil, false
	}
	cp := *p
	cp.Projects = append([]string(nil), p.Projects...)
	cp.Actions = append([]string(nil), p.Actions...)
	return &cp, true
}

// SetPrincipalPolicy installs or replaces a principal's policy entry.
// Callers must already hold an admin-scoped grant; the broker enforces
// that.
func (s *Store) SetPrincipalPolicy(principal string, policy document.PrincipalPolicy) error {
	if principal == "" {
		return fmt.Errorf("%w: empty principal", vaulterr.ErrMalformed)
	}
	if len(policy.Projects) == 0 || len(policy.Actions) == 0 {
		return fmt.Errorf("%w: policy requires projects and actions", vaulterr.ErrMalformed)
	}
	cp := policy
	cp.Projects = append([]string(nil), policy.Projects...)
	cp.Actions = append([]string(nil), policy.Actions...)
	return s.mutate(func(doc *document.Document, now time.Time) error {
		doc.Policies[principal] = &cp
		return nil
	})
}

// DeletePrincipalPolicy removes a principal's entry.
func (s *Store) DeletePrincipalPolicy(principal string) error {
	return s.mutate(func(doc *document.Document, now time.Time) error {
		if _, ok := doc.Policies[principal]; !ok {
			return vaulterr.NewNotFoundError("principal policy", principal)
		}
		delete(doc.Policies, principal)
		return nil
	})
}

// ListPrincipals returns principals with policy entries, sorted.
func (s *Store) ListPrincipals() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.doc.Policies))
	for principal := range s.doc.Policies {
		out = append(out, principal)
	}
	sort.Strings(out)
	return out
}
