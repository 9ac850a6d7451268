// Package sudo caches sudo credentials for the lifetime of a kstack run.
//
// A Session primes sudo's timestamp cache once (with the user's consent) and
// keeps it alive from a background goroutine so long installs don't stop
// halfway to ask for a password again. Everything here is best-effort: when
// priming or refreshing fails, privileged commands simply prompt as usual.
package sudo

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRefreshInterval is how often the cached credentials are revalidated.
const DefaultRefreshInterval = 60 * time.Second

var (
	probeRefreshCmd    = []string{"sudo", "-n", "-v"}
	fallbackRefreshCmd = []string{"sudo", "-v"}
)

// RunQuietFunc executes a command without attaching stdin and returns its
// exit code plus captured stderr. Used for refresh ticks and revocation.
type RunQuietFunc func(args ...string) (int, string)

// RunPrimeFunc executes the interactive priming command. Stdin stays attached
// so sudo can prompt for a password. Returns exit code and captured stderr.
type RunPrimeFunc func(ctx context.Context, args ...string) (int, string)

// ConfirmFunc asks the user a yes/no question with a default answer. An error
// means the prompt was interrupted rather than answered.
type ConfirmFunc func(question string, defaultYes bool) (bool, error)

// Session owns the sudo timestamp cache for one program run.
//
// Construct it with NewSession, call EnsureActive once before the first
// privileged operation, and Close on exit. All methods are safe to call even
// when sudo is not installed; they degrade to no-ops.
type Session struct {
	log      *zap.SugaredLogger
	interval time.Duration

	lookPath func(string) (string, error)
	runQuiet RunQuietFunc
	runPrime RunPrimeFunc
	confirm  ConfirmFunc

	mu         sync.Mutex
	prompted   bool
	enabled    bool
	refreshCmd []string
	stop       chan struct{}
	done       chan struct{}
}

// Option customizes a Session. Mainly used by tests to inject fake
// subprocess execution and prompting.
type Option func(*Session)

// WithRefreshInterval overrides the refresh tick interval.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Session) { s.interval = d }
}

// WithLookPath overrides binary lookup on PATH.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(s *Session) { s.lookPath = fn }
}

// WithRunQuiet overrides non-interactive command execution.
func WithRunQuiet(fn RunQuietFunc) Option {
	return func(s *Session) { s.runQuiet = fn }
}

// WithRunPrime overrides the interactive priming call.
func WithRunPrime(fn RunPrimeFunc) Option {
	return func(s *Session) { s.runPrime = fn }
}

// WithConfirm overrides the consent prompt.
func WithConfirm(fn ConfirmFunc) Option {
	return func(s *Session) { s.confirm = fn }
}

// NewSession creates an inactive Session. Nothing runs until EnsureActive.
func NewSession(log *zap.SugaredLogger, opts ...Option) *Session {
	s := &Session{
		log:        log,
		interval:   DefaultRefreshInterval,
		lookPath:   exec.LookPath,
		runQuiet:   runQuiet,
		runPrime:   runPrime,
		refreshCmd: probeRefreshCmd,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether the credential cache is currently believed valid.
func (s *Session) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// EnsureActive prompts once for consent to cache sudo credentials, primes the
// cache, and starts the background refresh. Subsequent calls are no-ops.
//
// It never returns an error: declined consent, a cancelled password prompt,
// or a failed priming call all leave the session disabled, and privileged
// commands fall back to prompting individually.
func (s *Session) EnsureActive(ctx context.Context) {
	s.mu.Lock()
	if s.prompted {
		s.mu.Unlock()
		return
	}
	s.prompted = true
	s.mu.Unlock()

	if _, err := s.lookPath("sudo"); err != nil {
		return
	}

	s.log.Info("kstack can cache your sudo credentials until you exit the helper")
	s.log.Info("the password is only held in sudo's own timestamp cache and is cleared on exit")

	if s.confirm == nil {
		return
	}
	ok, err := s.confirm("Cache your sudo password for this session?", true)
	if err != nil {
		s.log.Warn("cancelled sudo credential caching, continuing without it")
		return
	}
	if !ok {
		return
	}

	s.log.Info("priming sudo credential cache ...")
	code, stderr := s.runPrime(ctx, "sudo", "-v")
	if ctx.Err() != nil {
		s.log.Warn("cancelled sudo credential caching, continuing without it")
		return
	}
	if code != 0 {
		if isOptionUnsupported(stderr) {
			s.log.Warn("this sudo implementation does not support credential caching")
		} else {
			s.log.Warn("unable to cache sudo credentials, commands will prompt as usual")
		}
		return
	}

	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	s.log.Info("cached sudo credentials for this session")

	cmd := s.selectRefreshCommand()
	if cmd == nil {
		s.log.Warn("automatic sudo refresh is unavailable, credentials may expire during this session")
		return
	}

	s.mu.Lock()
	s.refreshCmd = cmd
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go s.refreshLoop(cmd, stop, done)
}

// Close stops the refresh goroutine, revokes the cached credentials if the
// session was enabled, and resets the Session so it could be primed again.
// Safe to call multiple times and without a prior EnsureActive.
func (s *Session) Close() {
	if _, err := s.lookPath("sudo"); err != nil {
		return
	}

	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	s.mu.Lock()
	enabled := s.enabled
	s.prompted = false
	s.enabled = false
	s.refreshCmd = probeRefreshCmd
	s.mu.Unlock()

	if enabled {
		// Best effort; the process is exiting anyway.
		s.runQuiet("sudo", "-k")
	}
}

// refreshLoop keeps the sudo timestamp alive on a fixed interval until it is
// stopped or a refresh fails. A failed refresh is terminal: the loop marks
// the session disabled and exits without retrying.
func (s *Session) refreshLoop(cmd []string, stop, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		code, stderr := s.runQuiet(cmd...)
		if code == 0 {
			timer.Reset(s.interval)
			continue
		}

		// The local sudo may lack -n support; fall back to the
		// interactive-capable form once instead of giving up.
		if isOptionUnsupported(stderr) && !equalCmd(cmd, fallbackRefreshCmd) {
			cmd = fallbackRefreshCmd
			s.mu.Lock()
			s.refreshCmd = fallbackRefreshCmd
			s.mu.Unlock()
			timer.Reset(s.interval)
			continue
		}

		s.log.Warn("the cached sudo credentials expired, future commands may prompt again")
		s.mu.Lock()
		s.enabled = false
		s.mu.Unlock()
		return
	}
}

// selectRefreshCommand probes which refresh invocation this sudo supports,
// preferring the non-interactive -n form. Returns nil when neither works.
func (s *Session) selectRefreshCommand() []string {
	for _, cmd := range [][]string{probeRefreshCmd, fallbackRefreshCmd} {
		code, stderr := s.runQuiet(cmd...)
		if code == 0 {
			return cmd
		}
		if !isOptionUnsupported(stderr) {
			break
		}
	}
	return nil
}

// isOptionUnsupported reports whether stderr indicates the sudo variant does
// not understand one of the flags we passed, as opposed to an expired or
// revoked timestamp.
func isOptionUnsupported(stderr string) bool {
	if stderr == "" {
		return false
	}
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "unrecognized option") ||
		strings.Contains(lower, "invalid option")
}

func equalCmd(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// runQuiet is the default non-interactive runner: no stdin, stdout
// discarded, stderr captured.
func runQuiet(args ...string) (int, string) {
	cmd := exec.Command(args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return exitCode(err), stderr.String()
}

// runPrime runs the priming command with stdin and stdout attached so sudo
// can talk to the terminal, while still capturing stderr for classification.
func runPrime(ctx context.Context, args ...string) (int, string) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return exitCode(err), stderr.String()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
