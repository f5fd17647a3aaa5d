package shell

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"grimm.is/dummynet/internal/logging"
)

// PasswordEnv is the environment variable consulted for the sudo password
// when no explicit secret was supplied.
const PasswordEnv = "DUMMYNET_SUDO_PASS"

// ErrAuthFailed reports a rejected sudo credential. It is raised immediately
// at validation time, before any real command is attempted.
var ErrAuthFailed = errors.New("sudo credential rejected")

// ErrNoCredential reports that elevation requires a password but none is
// available: no explicit secret, no environment override, and stdin is not a
// terminal to prompt on.
var ErrNoCredential = errors.New("sudo password required but no credential source available")

// Sudo is an explicit elevation credential context. There is no global
// cache: each Sudo validates its own credential and any previously cached
// sudo timestamp is discarded first, so a wrong password always fails
// immediately instead of riding on a stale timestamp.
//
// Credential source precedence: explicit in-memory secret, then the
// PasswordEnv environment variable, then an interactive prompt (only when
// attached to a terminal).
type Sudo struct {
	password  string
	runner    CommandRunner
	log       *logging.Logger
	validated bool
}

// SudoOption configures a Sudo context.
type SudoOption func(*Sudo)

// WithPassword supplies the credential directly.
func WithPassword(pw string) SudoOption {
	return func(s *Sudo) { s.password = pw }
}

// WithRunner injects the command runner (used by tests).
func WithRunner(r CommandRunner) SudoOption {
	return func(s *Sudo) { s.runner = r }
}

// NewSudo creates an elevation context.
func NewSudo(opts ...SudoOption) *Sudo {
	s := &Sudo{
		runner: &RealCommandRunner{},
		log:    logging.WithComponent("sudo"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Validate checks that elevation will work, exactly once per context.
// The cached sudo timestamp is discarded first ("sudo -k"), then passwordless
// elevation is probed non-interactively ("sudo -n true"). If a password is
// needed it is resolved by precedence and verified with "sudo -S -v"; a wrong
// credential returns ErrAuthFailed right here.
func (s *Sudo) Validate() error {
	if s.validated {
		return nil
	}

	_ = s.runner.Run("sudo", "-k")

	if err := s.runner.Run("sudo", "-n", "true"); err == nil {
		s.log.Debug("passwordless sudo available")
		s.validated = true
		return nil
	}

	pw, err := s.credential()
	if err != nil {
		return err
	}
	if err := s.runner.RunInput(pw+"\n", "sudo", "-S", "-v"); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	s.validated = true
	return nil
}

// Invalidate discards both the in-memory validation and the OS-level sudo
// timestamp, forcing the next elevated command to re-validate.
func (s *Sudo) Invalidate() {
	s.validated = false
	_ = s.runner.Run("sudo", "-k")
}

func (s *Sudo) credential() (string, error) {
	if s.password != "" {
		return s.password, nil
	}
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "[sudo] password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(raw), nil
	}
	return "", ErrNoCredential
}
