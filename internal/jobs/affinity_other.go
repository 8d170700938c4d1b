//go:build !linux

package jobs

import "errors"

var errPinningUnsupported = errors.New("cpu pinning is only supported on linux")

func pinToCPU(int) error { return errPinningUnsupported }

func threadID() int { return 0 }
