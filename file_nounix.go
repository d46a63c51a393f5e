//go:build !unix

package qcow2

import "fmt"

func alignedAlloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("qcow2: invalid scratch buffer size %d", size)
	}
	return make([]byte, size), nil
}

func alignedFree([]byte) {}
