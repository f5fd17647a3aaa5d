// Package ledger records reversible operations and unwinds them
// deterministically. Every resource an orchestrator creates is appended here
// together with its inverse action; Cleanup walks the ledger strictly LIFO so
// dependent resources (an interface enslaved to a bridge, a route inside a
// namespace) are always undone before what they depend on.
//
// Cleanup does not trust the in-memory bookkeeping alone: before invoking an
// undo it probes the observed OS state and reconciles. No entry is ever
// silently dropped; each one is fully undone, confirmed already absent, or
// reported as residual in one aggregated error.
package ledger

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"grimm.is/dummynet/internal/logging"
)

// Kind tags the resource variant carried by an entry.
type Kind int

const (
	KindNamespace Kind = iota
	KindVethLink
	KindBridge
	KindVlanLink
	KindRoute
	KindAddress
	KindLinkState
	KindCGroup
	KindFirewall
)

func (k Kind) String() string {
	switch k {
	case KindNamespace:
		return "namespace"
	case KindVethLink:
		return "veth"
	case KindBridge:
		return "bridge"
	case KindVlanLink:
		return "vlan"
	case KindRoute:
		return "route"
	case KindAddress:
		return "address"
	case KindLinkState:
		return "link-state"
	case KindCGroup:
		return "cgroup"
	case KindFirewall:
		return "firewall"
	default:
		return "unknown"
	}
}

// Resource is a tagged variant over the managed resource kinds. The undo
// action and existence probe travel as plain data, so the ledger can be
// inspected generically.
type Resource struct {
	// Kind of the resource.
	Kind Kind

	// Name is the primary kernel-side (scoped) name.
	Name string

	// Peer is a secondary name where the kind has one (veth peer, the bridge
	// an interface was enslaved to, the namespace a route lives in).
	Peer string

	// Detail is a human-readable qualifier (a CIDR, a route destination).
	Detail string

	// Undo reverses the operation that created the resource.
	Undo func() error

	// Exists probes the observed OS state. nil means the entry cannot be
	// probed independently and the undo is attempted unconditionally.
	Exists func() (bool, error)
}

func (r Resource) String() string {
	s := fmt.Sprintf("%s %q", r.Kind, r.Name)
	if r.Peer != "" {
		s += fmt.Sprintf(" (peer %q)", r.Peer)
	}
	if r.Detail != "" {
		s += " " + r.Detail
	}
	return s
}

// ResidualError reports one ledger entry that could not be undone.
type ResidualError struct {
	Resource Resource
	Err      error
}

func (e *ResidualError) Error() string {
	return fmt.Sprintf("failed to undo %s: %v", e.Resource, e.Err)
}

func (e *ResidualError) Unwrap() error { return e.Err }

// InvalidStateError reports that the OS state could not be reconciled with
// the ledger's bookkeeping for an entry.
type InvalidStateError struct {
	Resource Resource
	Err      error
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot reconcile %s with observed state: %v", e.Resource, e.Err)
}

func (e *InvalidStateError) Unwrap() error { return e.Err }

// CleanupError aggregates every residual from one cleanup pass. It is raised
// once, after every remaining undo has been attempted, so callers see the
// complete problem set.
type CleanupError struct {
	Residuals *multierror.Error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup left residual resources: %v", e.Residuals)
}

func (e *CleanupError) Unwrap() error { return e.Residuals }

// Ledger is an append-only ordered sequence of managed resources, consumed
// strictly LIFO on cleanup. It is instance-local and not safe for concurrent
// use; callers own the serialization, as with the rest of an orchestrator
// instance.
type Ledger struct {
	log     *logging.Logger
	entries []Resource
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger injects a logger.
func WithLogger(l *logging.Logger) Option {
	return func(lg *Ledger) { lg.log = l }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = logging.WithComponent("ledger")
	}
	return l
}

// Record appends a resource to the ledger.
func (l *Ledger) Record(r Resource) {
	l.entries = append(l.entries, r)
	l.log.Debug("recorded", "resource", r.String())
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int { return len(l.entries) }

// Entries returns a copy of the ledger in recording order.
func (l *Ledger) Entries() []Resource {
	return append([]Resource{}, l.entries...)
}

// Cleanup undoes every recorded entry in reverse order of recording. Entries
// whose target no longer exists are skipped with a warning; entries whose
// undo fails are collected as residuals and cleanup continues through every
// remaining entry. The ledger is emptied regardless, making a second Cleanup
// free of side effects.
func (l *Ledger) Cleanup() error {
	var merr *multierror.Error

	for i := len(l.entries) - 1; i >= 0; i-- {
		r := l.entries[i]

		if r.Exists != nil {
			ok, err := r.Exists()
			if err != nil {
				merr = multierror.Append(merr, &InvalidStateError{Resource: r, Err: err})
				continue
			}
			if !ok {
				l.log.Warn("resource already absent, skipping undo", "resource", r.String())
				continue
			}
		}

		if err := r.Undo(); err != nil {
			merr = multierror.Append(merr, &ResidualError{Resource: r, Err: err})
			continue
		}
		l.log.Debug("undone", "resource", r.String())
	}

	l.entries = nil

	if merr.ErrorOrNil() != nil {
		return &CleanupError{Residuals: merr}
	}
	return nil
}
