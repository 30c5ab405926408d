// Command vfsd is the long-running daemon process of the client/daemon
// bridge (spec §4.7): it owns the registry of real backends and a
// bridge/daemon.Server over it. No transport is attached to the Server, so
// it serves no out-of-process clients; the process builds both and waits
// for a shutdown signal.
//
// Grounded on the teacher's cmd/rcd for the shape of a long-running,
// flag-configured server process bootstrapped through cobra, and on
// cmd/cmd.go for the root command / persistent-flag pattern every rclone
// subcommand shares.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vfscore/corevfs/backend/vfolder"
	"github.com/vfscore/corevfs/bridge/daemon"
	"github.com/vfscore/corevfs/internal/bootstrap"
	"github.com/vfscore/corevfs/internal/configmap"
	"github.com/vfscore/corevfs/internal/vfslog"
)

var opts struct {
	ftpHost  string
	ftpPort  int
	ftpUser  string
	ftpPass  string
	sshHost  string
	sshPort  int
	sshUser  string
	sshPass  string
	sshKey   string
	vfolders string
}

func main() {
	root := &cobra.Command{
		Use:          "vfsd",
		Short:        "Run the vfs daemon hosting the backend registry behind a bridge server",
		SilenceUsage: true,
		RunE:         run,
	}
	flags := root.Flags()
	flags.StringVar(&opts.ftpHost, "ftp-host", "", "FTP backend host")
	flags.IntVar(&opts.ftpPort, "ftp-port", 21, "FTP backend port")
	flags.StringVar(&opts.ftpUser, "ftp-user", "", "FTP backend user")
	flags.StringVar(&opts.ftpPass, "ftp-pass", "", "FTP backend password")
	flags.StringVar(&opts.sshHost, "ssh-host", "", "SFTP backend host")
	flags.IntVar(&opts.sshPort, "ssh-port", 22, "SFTP backend port")
	flags.StringVar(&opts.sshUser, "ssh-user", "", "SFTP backend user")
	flags.StringVar(&opts.sshPass, "ssh-pass", "", "SFTP backend password")
	flags.StringVar(&opts.sshKey, "ssh-key", "", "SFTP backend private key file")
	flags.StringVar(&opts.vfolders, "vfolder-config", "", "vfolder scheme config document path")

	if err := root.Execute(); err != nil {
		vfslog.Errorf(context.Background(), "vfsd: %v", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ftpMap := configmap.Mapper{}
	if opts.ftpHost != "" {
		ftpMap["host"] = opts.ftpHost
		ftpMap["port"] = fmt.Sprintf("%d", opts.ftpPort)
		ftpMap["user"] = opts.ftpUser
		ftpMap["pass"] = opts.ftpPass
	}
	sshMap := configmap.Mapper{}
	if opts.sshHost != "" {
		sshMap["host"] = opts.sshHost
		sshMap["port"] = fmt.Sprintf("%d", opts.sshPort)
		sshMap["user"] = opts.sshUser
		sshMap["pass"] = opts.sshPass
		sshMap["key_file"] = opts.sshKey
	}

	bootOpt := bootstrap.Options{FTP: ftpMap, SFTP: sshMap}
	if opts.vfolders != "" {
		cfg := vfolder.Config{
			ConfigPath:       opts.vfolders,
			SystemConfigPath: opts.vfolders,
			Environments:     vfolder.DefaultEnvironments,
		}
		bootOpt.Vfolder = &cfg
	}

	reg, err := bootstrap.NewRegistry(bootOpt)
	if err != nil {
		return fmt.Errorf("vfsd: bootstrap: %w", err)
	}

	srv := daemon.NewServer(reg)
	vfslog.Infof(ctx, "vfsd: daemon ready, schemes=%v", reg.Schemes())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	vfslog.Infof(ctx, "vfsd: shutting down")
	_ = srv // the in-process Server has nothing to flush on shutdown today;
	// a networked transport would close its listener here.
	return nil
}
