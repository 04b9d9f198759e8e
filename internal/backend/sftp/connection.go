package sftp

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"

	"github.com/rdedup/rdedup/internal/backend/util"
	"github.com/rdedup/rdedup/internal/debug"
	"github.com/rdedup/rdedup/internal/errors"
)

// connection wraps a single sftp.Client together with the ssh subprocess
// backing it, so a dropped connection (subprocess exit) can be detected and
// reported as a permanent, non-retryable error.
type connection struct {
	c           *sftp.Client
	cmd         *exec.Cmd
	posixRename bool
	result      <-chan error
}

func dial(cfg Config) (*connection, error) {
	program, args, err := buildSSHCommand(cfg)
	if err != nil {
		return nil, err
	}

	debug.Log("start client %v %v", program, args)
	cmd := exec.Command(program, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "cmd.StderrPipe")
	}
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			fmt.Fprintf(os.Stderr, "subprocess %v: %v\n", program, sc.Text())
		}
	}()

	wr, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "cmd.StdinPipe")
	}
	rd, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "cmd.StdoutPipe")
	}

	bg, err := util.StartForeground(cmd)
	if err != nil {
		if util.IsErrDot(err) {
			return nil, errors.Errorf("cannot implicitly run relative executable %v found in current directory, set an absolute Command to override", cmd.Path)
		}
		return nil, err
	}

	ch := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		debug.Log("ssh command exited, err %v", err)
		for {
			ch <- errors.Wrap(err, "ssh command exited")
		}
	}()

	client, err := sftp.NewClientPipe(rd, wr)
	if err != nil {
		return nil, errors.Errorf("unable to start the sftp session, error: %v", err)
	}

	if err := bg(); err != nil {
		return nil, errors.Wrap(err, "bg")
	}

	_, posixRename := client.HasExtension("posix-rename@openssh.com")
	return &connection{c: client, cmd: cmd, result: ch, posixRename: posixRename}, nil
}

var closeTimeout = 2 * time.Second

func (c *connection) Close() error {
	if c == nil {
		return nil
	}

	err := c.c.Close()
	debug.Log("Close returned error %v", err)

	select {
	case err := <-c.result:
		return err
	case <-time.After(closeTimeout):
	}

	if err := c.cmd.Process.Kill(); err != nil {
		return err
	}
	<-c.result
	return nil
}

// clientError reports whether the ssh subprocess has already exited.
func (c *connection) clientError() error {
	select {
	case err := <-c.result:
		debug.Log("client has exited with err %v", err)
		return backoff.Permanent(err)
	default:
	}
	return nil
}

func buildSSHCommand(cfg Config) (cmd string, args []string, err error) {
	if cfg.Command != "" {
		args, err := util.SplitShellStrings(cfg.Command)
		if err != nil {
			return "", nil, err
		}
		return args[0], args[1:], nil
	}

	cmd = "ssh"
	args = []string{cfg.Host}
	if cfg.Port != "" {
		args = append(args, "-p", cfg.Port)
	}
	if cfg.User != "" {
		args = append(args, "-l", cfg.User)
	}
	args = append(args, "-s", "sftp")
	return cmd, args, nil
}
