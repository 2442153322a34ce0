package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/l3uddz/cloudplow/internal/config"
	"github.com/l3uddz/cloudplow/internal/syslog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	uploaderName string
	syncerName   string
)

var rootCmd = &cobra.Command{
	Use:           "cloudplow",
	Short:         "Automatic rclone remote uploader, with support for multiple remote/folder pairings",
	Long:          `cloudplow uploads local staging folders to rclone remotes once they grow past a size limit, keeps remotes in sync with each other and mirrors union-fs hidden files to the remotes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Perform clean of hidden files",
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
		return a.clean(ctx)
	}),
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Perform clean of hidden files and upload local content to remotes",
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
		return a.upload(ctx, uploaderName)
	}),
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform syncing of remotes",
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
		return a.sync(ctx, syncerName)
	}),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run uploaders and syncers on their configured intervals",
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app) error {
		return a.run(ctx, cmd)
	}),
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())

	uploadCmd.Flags().StringVar(&uploaderName, "uploader", "", "Run only this uploader")
	syncCmd.Flags().StringVar(&syncerName, "syncer", "", "Run only this syncer")

	rootCmd.AddCommand(cleanCmd, uploadCmd, syncCmd, runCmd, serviceCmd)
}

// withApp builds the app for a command and cancels its context on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.close() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := fn(ctx, cmd, a); err != nil {
			syslog.L.Error(err).WithMessage(fmt.Sprintf("%s failed", cmd.Name())).Write()
			return err
		}
		return nil
	}
}

// settingArgs returns the settings flags that were set on the command line, so child
// processes resolve the same files.
func settingArgs(cmd *cobra.Command) []string {
	var args []string
	cmd.Root().PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		args = append(args, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
	})
	return args
}

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil, errors.Is(err, errReview):
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
