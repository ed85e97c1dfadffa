//go:build !linux

package workerpool

import "errors"

func pinWorker(int) (int, func(), error) {
	return -1, func() {}, errors.New("workerpool: cpu pinning not supported on this platform")
}
