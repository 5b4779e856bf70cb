//go:build !unix

package binfile

import (
	"io"
	"os"
)

// mapFile on other systems doesn't mmap the file. It just reads everything.
func mapFile(f *os.File) ([]byte, func() error, error) {
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	return b, func() error { return nil }, nil
}
