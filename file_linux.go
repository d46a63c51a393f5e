package qcow2

import (
	"os"

	"golang.org/x/sys/unix"
)

const directIOFlag = unix.O_DIRECT

func syncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
