// Package remote runs commands on freshly provisioned hosts over password-auth SSH.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

var ErrTimeout = errors.New("remote command timed out")

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"

	// keep at most this much of each output stream in Result
	maxCaptured = 64 << 10

	// how long a cancelled Stream waits for its readers to drain
	drainTimeout = 5 * time.Second
)

type Target struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Result of a finished command. ExitCode is -1 when the remote side gave none.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session is one authenticated connection; commands run in fresh SSH channels.
type Session interface {
	Run(ctx context.Context, cmd string) (Result, error)
	Stream(ctx context.Context, cmd string, onLine func(stream, line string)) (Result, error)
	Upload(ctx context.Context, path string, data []byte, mode os.FileMode) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, t Target) (Session, error)
}

// SSHDialer opens sessions with password and keyboard-interactive auth.
// Host keys are not verified: targets are brand-new hosts with no known key.
type SSHDialer struct {
	Timeout time.Duration
}

func (d SSHDialer) Dial(ctx context.Context, t Target) (Session, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	password := t.Password
	cfg := &gossh.ClientConfig{
		User: t.User,
		Auth: []gossh.AuthMethod{
			gossh.Password(password),
			gossh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.Addr(), err)
	}
	c, chans, reqs, err := gossh.NewClientConn(conn, t.Addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", t.Addr(), err)
	}
	return &sshSession{client: gossh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	client *gossh.Client
}

func (s *sshSession) Close() error { return s.client.Close() }

func (s *sshSession) Run(ctx context.Context, cmd string) (Result, error) {
	return s.Stream(ctx, cmd, nil)
}

func (s *sshSession) Stream(ctx context.Context, cmd string, onLine func(stream, line string)) (Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	if err := sess.Start(cmd); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start: %w", err)
	}

	var (
		mu           sync.Mutex
		stopped      bool
		wg           sync.WaitGroup
		outBuf, eBuf tailBuffer
	)
	pump := func(r io.Reader, name string, buf *tailBuffer) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			buf.writeLine(line)
			if onLine != nil {
				mu.Lock()
				if !stopped {
					onLine(name, line)
				}
				mu.Unlock()
			}
		}
	}
	wg.Add(2)
	go pump(stdout, StreamStdout, &outBuf)
	go pump(stderr, StreamStderr, &eBuf)

	done := make(chan error, 1)
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
		done <- sess.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(gossh.SIGKILL)
		sess.Close()
		// no callbacks once the caller has seen the timeout
		mu.Lock()
		stopped = true
		mu.Unlock()
		select {
		case <-drained:
		case <-time.After(drainTimeout):
		}
		return Result{Stdout: outBuf.String(), Stderr: eBuf.String(), ExitCode: -1},
			fmt.Errorf("%w: %s", ErrTimeout, ctx.Err())
	case err := <-done:
		res := Result{Stdout: outBuf.String(), Stderr: eBuf.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *gossh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, err
	}
}

// Upload writes data to path through `cat` and applies mode.
func (s *sshSession) Upload(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()
	sess.Stdin = bytes.NewReader(data)
	cmd := fmt.Sprintf("cat > %s && chmod %o %s", Quote(path), mode.Perm(), Quote(path))

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case <-ctx.Done():
		sess.Close()
		return fmt.Errorf("%w: upload %s", ErrTimeout, path)
	case err := <-done:
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		return nil
	}
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) writeLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - maxCaptured; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
