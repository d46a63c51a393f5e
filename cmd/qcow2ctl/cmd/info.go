package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	qcow2 "github.com/ehrlich-b/go-qcow2-engine"
)

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Show header and geometry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openImage(args[0], true)
		if err != nil {
			return err
		}
		defer s.Close()

		var out imageInfo
		out.Info, err = s.reg.Info(s.handle)
		if err != nil {
			return err
		}
		err = s.image(func(img *qcow2.Image) error {
			h := img.Header()
			out.Refcount = img.RefcountInfo()
			out.L1Entries = h.L1Size
			out.L1Offset = h.L1TableOffset
			out.Snapshots = h.NbSnapshots
			out.ReadOnly = img.ReadOnly()
			out.Barrier = img.WriteBarrierMode().String()
			return nil
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

type imageInfo struct {
	qcow2.Info
	L1Entries uint32             `json:"l1_entries"`
	L1Offset  uint64             `json:"l1_offset"`
	Snapshots uint32             `json:"snapshots"`
	ReadOnly  bool               `json:"read_only"`
	Barrier   string             `json:"barrier"`
	Refcount  qcow2.RefcountInfo `json:"refcount"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
