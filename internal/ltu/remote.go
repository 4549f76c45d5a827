package ltu

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// Remote is a shell session on the radio.
type Remote interface {
	// Run executes command and returns its trimmed stdout.
	Run(ctx context.Context, command string) (string, error)
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte) error
	// Save persists the running config from an interactive shell.
	Save(ctx context.Context) error
	Close() error
}

// Credential is a username/password pair.
type Credential struct {
	User     string
	Password string
}

// Dialer opens a Remote.
type Dialer interface {
	Dial(ctx context.Context, addr string, cred Credential) (Remote, error)
}

// ErrAuth is returned by a Dialer when the radio rejected the credential.
var ErrAuth = errors.New("ssh authentication failed")

// SSHDialer dials radios with password authentication.
type SSHDialer struct {
	Timeout time.Duration
	// HostKeyCallback defaults to accepting any key; radios are reflashed and
	// regenerate their keys.
	HostKeyCallback ssh.HostKeyCallback
}

func (d SSHDialer) Dial(ctx context.Context, addr string, cred Credential) (Remote, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hostKey := d.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}
	config := &ssh.ClientConfig{
		User:            cred.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cred.Password)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, errors.Wrapf(ErrAuth, "%s as %s", addr, cred.User)
		}
		return nil, errors.Wrapf(err, "ssh handshake %s", addr)
	}
	return &sshRemote{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshRemote struct {
	client *ssh.Client
}

// session runs fn in a new session and closes the session when ctx ends.
func (r *sshRemote) session(ctx context.Context, fn func(*ssh.Session) error) error {
	s, err := r.client.NewSession()
	if err != nil {
		return errors.Wrap(err, "open ssh session")
	}
	defer func() { _ = s.Close() }()
	done := make(chan error, 1)
	go func() { done <- fn(s) }()
	select {
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (r *sshRemote) Run(ctx context.Context, command string) (string, error) {
	var out []byte
	err := r.session(ctx, func(s *ssh.Session) error {
		var err error
		out, err = s.Output(command)
		return errors.Wrapf(err, "run %q", command)
	})
	return strings.TrimSpace(string(out)), err
}

func (r *sshRemote) Download(ctx context.Context, path string) ([]byte, error) {
	var out []byte
	err := r.session(ctx, func(s *ssh.Session) error {
		var err error
		out, err = s.Output("cat " + path)
		return errors.Wrapf(err, "download %s", path)
	})
	return out, err
}

func (r *sshRemote) Upload(ctx context.Context, path string, data []byte) error {
	return r.session(ctx, func(s *ssh.Session) error {
		s.Stdin = bytes.NewReader(data)
		return errors.Wrapf(s.Run("cat > "+path), "upload %s", path)
	})
}

// savePrompt appears in the shell prompt; the second one marks the end of
// the save command's output.
const savePrompt = "afltu.v"

func (r *sshRemote) Save(ctx context.Context) error {
	return r.session(ctx, func(s *ssh.Session) error {
		if err := s.RequestPty("vt100", 40, 120, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
			return errors.Wrap(err, "request pty")
		}
		stdin, err := s.StdinPipe()
		if err != nil {
			return errors.Wrap(err, "stdin pipe")
		}
		stdout, err := s.StdoutPipe()
		if err != nil {
			return errors.Wrap(err, "stdout pipe")
		}
		if err := s.Shell(); err != nil {
			return errors.Wrap(err, "start shell")
		}
		if _, err := io.WriteString(stdin, "save\n"); err != nil {
			return errors.Wrap(err, "send save")
		}
		return waitForPrompts(stdout, savePrompt, 2)
	})
}

// waitForPrompts reads r until marker has been seen n times.
func waitForPrompts(r io.Reader, marker string, n int) error {
	var seen bytes.Buffer
	buf := make([]byte, 256)
	for {
		k, err := r.Read(buf)
		seen.Write(buf[:k])
		if strings.Count(seen.String(), marker) >= n {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "shell closed before save finished")
		}
	}
}

func (r *sshRemote) Close() error {
	return r.client.Close()
}
