package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	qcow2 "github.com/ehrlich-b/go-qcow2-engine"
)

var mapCmd = &cobra.Command{
	Use:   "map <image>",
	Short: "Show the allocation map",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openImage(args[0], true)
		if err != nil {
			return err
		}
		defer s.Close()

		var regions []qcow2.Region
		err = s.image(func(img *qcow2.Image) error {
			regions, err = img.Map()
			return err
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), regions)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <image>",
	Short: "Check refcount consistency",
	Long: `Compare every cluster's refcount with the references the header and
the L1 and L2 tables make to it. Exits non-zero if the image is not clean.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openImage(args[0], true)
		if err != nil {
			return err
		}
		defer s.Close()

		var result *qcow2.CheckResult
		err = s.image(func(img *qcow2.Image) error {
			result, err = img.Check()
			return err
		})
		if err != nil {
			return err
		}
		if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if !result.IsClean() {
			return fmt.Errorf("%d corruptions, %d leaked clusters", result.Corruptions, result.Leaks)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mapCmd, checkCmd)
}
