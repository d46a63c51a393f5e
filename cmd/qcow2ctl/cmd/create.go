package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	qcow2 "github.com/ehrlich-b/go-qcow2-engine"
)

var (
	createClusterBits   uint32
	createVersion       uint32
	createRefcountOrder int
	createBackingFile   string
)

var createCmd = &cobra.Command{
	Use:   "create <image> <size>",
	Short: "Create an empty image",
	Long: `Create an empty qcow2 image of the given virtual size.

Sizes accept K, M, G and T suffixes (powers of 1024).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := ParseSize(args[1])
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", args[1], err)
		}

		opts := qcow2.CreateOptions{
			Size:        size,
			ClusterBits: createClusterBits,
			Version:     createVersion,
			BackingFile: createBackingFile,
		}
		if createRefcountOrder >= 0 {
			order := uint32(createRefcountOrder)
			opts.RefcountOrder = &order
		}

		img, err := qcow2.CreatePath(args[0], opts,
			qcow2.WithLogger(log.WithField("path", args[0])),
			qcow2.WithMetrics(metrics))
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"path":         args[0],
			"size":         size,
			"cluster_size": img.ClusterSize(),
		}).Info("created image")
		return img.Close()
	},
}

// ParseSize parses a size such as "64K", "512M" or "10G".
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return 0, fmt.Errorf("empty size string")
	}

	shift := uint(0)
	switch s[len(s)-1] {
	case 'K', 'k':
		shift = 10
	case 'M', 'm':
		shift = 20
	case 'G', 'g':
		shift = 30
	case 'T', 't':
		shift = 40
	}
	if shift != 0 {
		s = s[:len(s)-1]
	}

	value, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if value > ^uint64(0)>>shift {
		return 0, fmt.Errorf("size overflows")
	}
	return value << shift, nil
}

func init() {
	createCmd.Flags().Uint32Var(&createClusterBits, "cluster-bits", qcow2.DefaultClusterBits, "log2 of the cluster size (9-21)")
	createCmd.Flags().Uint32Var(&createVersion, "version", qcow2.Version3, "qcow2 version (2 or 3)")
	createCmd.Flags().IntVar(&createRefcountOrder, "refcount-order", -1, "log2 of the refcount width in bits (default 4)")
	createCmd.Flags().StringVarP(&createBackingFile, "backing-file", "b", "", "backing file to record in the header")
	rootCmd.AddCommand(createCmd)
}
