package sampler

import (
	"fmt"
	"os"
	"sync"
)

// Suppress redirects the process stdout and stderr to the null device,
// silencing a noisy external backend for the duration of a call. The
// returned function restores the original streams; defer it so the
// restoration also runs on error paths. Calling it more than once is
// harmless.
func Suppress() (restore func(), err error) {
	null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("sampler: opening %s: %w", os.DevNull, err)
	}
	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = null, null
	var once sync.Once
	return func() {
		once.Do(func() {
			os.Stdout, os.Stderr = stdout, stderr
			null.Close()
		})
	}, nil
}
