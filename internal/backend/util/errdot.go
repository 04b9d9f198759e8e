package util

import (
	"errors"
	"os/exec"
)

// IsErrDot reports whether err is exec.ErrDot, returned by cmd.Start() when
// it would implicitly run an executable found in the current directory.
func IsErrDot(err error) bool {
	return errors.Is(err, exec.ErrDot)
}
