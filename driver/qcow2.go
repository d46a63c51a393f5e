package driver

import (
	"fmt"

	qcow2 "github.com/ehrlich-b/go-qcow2-engine"
)

// QCOW2Name is the name the qcow2 driver registers under.
const QCOW2Name = "qcow2"

// QCOW2 returns the qcow2 block driver. Its instance state is a
// *qcow2.Image.
func QCOW2() Driver {
	return Driver{
		Name:            QCOW2Name,
		SupportsBacking: true,
		Caps: Capabilities{
			Open: func(file qcow2.File, opts ...qcow2.Option) (any, error) {
				return qcow2.Open(file, opts...)
			},
			Close: func(state any) error {
				return image(state).Close()
			},
			Read: func(state any, offset, n uint64, bufs [][]byte, flags qcow2.RequestFlags) error {
				return image(state).ReadV(offset, n, bufs, flags)
			},
			Write: func(state any, offset, n uint64, bufs [][]byte, flags qcow2.RequestFlags) error {
				return image(state).WriteV(offset, n, bufs, flags)
			},
			Flush: func(state any) error {
				return image(state).Flush()
			},
			Info: func(state any) (qcow2.Info, error) {
				return image(state).Info(), nil
			},
		},
	}
}

func image(state any) *qcow2.Image {
	img, ok := state.(*qcow2.Image)
	if !ok {
		panic(fmt.Sprintf("driver: qcow2 instance holds %T", state))
	}
	return img
}
