//go:build !linux

package qcow2

import "os"

const directIOFlag = 0

func syncFile(f *os.File) error {
	return f.Sync()
}
