// Command scrctl inspects and administers a job's control files: the
// flush file and index file internal/store persists, and the
// halt file an operator uses to ask a running job to stop taking new
// checkpoints. It is the out-of-process counterpart to scr.Engine —
// nothing here participates in a job's own communicator.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/scrgo/scr"
	"github.com/scrgo/scr/config"
	"github.com/scrgo/scr/internal/store"
)

var (
	configPath string
	cntlBase   string
	userName   string
	jobID      string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "scrctl:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "scrctl",
		Short: "inspect and administer an SCR job's control files",
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "SCR config file")
	flags.StringVar(&cntlBase, "cntl-base", "/dev/shm", "control-file base directory")
	flags.StringVar(&userName, "user", os.Getenv("USER"), "job user name")
	flags.StringVar(&jobID, "job-id", "", "job id")

	root.AddCommand(inspectCmd(), haltCmd())
	return root
}

// loadConfig resolves a config.Config through config.Load, with this
// command's own flags layered over it via pflag.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, err
	}
	if cntlBase != "" {
		cfg.CntlBase = cntlBase
	}
	if userName != "" {
		cfg.UserName = userName
	}
	if jobID != "" {
		cfg.JobID = jobID
	}
	return cfg, nil
}

func jobControlDir(cfg *config.Config) string {
	return filepath.Join(cfg.CntlBase, cfg.UserName, "scr."+cfg.JobID)
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "print a job's flush file and index file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			dir := jobControlDir(cfg)

			ff, err := store.LoadFlushFile(filepath.Join(dir, "flush.scrinfo"))
			if err != nil {
				return errors.Wrap(err, "load flush file")
			}
			fmt.Println("flush file:", filepath.Join(dir, "flush.scrinfo"))
			for ckpt, loc := range ff.Locs {
				fmt.Printf("  checkpoint %d: cache=%v flushing=%v pfs=%v\n",
					ckpt, loc&store.LocationCache != 0, loc&store.LocationFlushing != 0, loc&store.LocationPFS != 0)
			}

			idx, err := store.LoadIndexFile(filepath.Join(cfg.Prefix, "index.scr"))
			if err != nil {
				return errors.Wrap(err, "load index file")
			}
			fmt.Println("index file:", filepath.Join(cfg.Prefix, "index.scr"))
			for ckpt, subdirs := range idx.Ckpts {
				for name, e := range subdirs {
					fmt.Printf("  checkpoint %d %s: complete=%v failed=%v flushed=%s\n",
						ckpt, name, e.Complete, e.Failed, e.FlushedTime)
				}
			}
			return nil
		},
	}
	return cmd
}

func haltCmd() *cobra.Command {
	var checkpointsLeft int
	var exitBefore, exitAfter string

	cmd := &cobra.Command{
		Use:   "halt",
		Short: "set this job's halt-file fields",
		Long: `
Writes checkpoints-left, exit-before, and/or exit-after into the job's
halt file, the signal scr.Engine.NeedCheckpoint and CompleteCheckpoint consult to
decide when to stop taking new checkpoints.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			path := filepath.Join(jobControlDir(cfg), "halt.scrinfo")
			h, err := scr.LoadHaltFile(path)
			if err != nil {
				return err
			}
			return h.WithLock(func(h *scr.HaltFile) error {
				if cmd.Flags().Changed("checkpoints-left") {
					h.CheckpointsLeft = checkpointsLeft
				}
				if exitBefore != "" {
					t, err := time.Parse(time.RFC3339, exitBefore)
					if err != nil {
						return errors.Wrap(err, "parse --exit-before")
					}
					h.ExitBefore = t
				}
				if exitAfter != "" {
					t, err := time.Parse(time.RFC3339, exitAfter)
					if err != nil {
						return errors.Wrap(err, "parse --exit-after")
					}
					h.ExitAfter = t
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&checkpointsLeft, "checkpoints-left", -1, "checkpoints remaining before halting (-1 unlimited)")
	cmd.Flags().StringVar(&exitBefore, "exit-before", "", "RFC3339 deadline to halt before")
	cmd.Flags().StringVar(&exitAfter, "exit-after", "", "RFC3339 floor before an external monitor may signal halt")
	return cmd
}
