// Command vfsctl is the client CLI: it resolves URIs against a registry of
// backends and drives them either directly (for simple one-shot commands)
// or through the job engine (for "cat", exercising the asynchronous path a
// real mount layer would use for streamed reads).
//
// Grounded on the teacher's cmd/ subcommand pattern: one cobra.Command per
// verb, a shared root with persistent connection flags, and fs.Fs-style
// operations invoked straight from RunE.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/internal/bootstrap"
	"github.com/vfscore/corevfs/internal/configmap"
	"github.com/vfscore/corevfs/internal/vfslog"
	"github.com/vfscore/corevfs/job"
	"github.com/vfscore/corevfs/registry"
	"github.com/vfscore/corevfs/uri"
)

var connOpts struct {
	ftpHost, ftpUser, ftpPass string
	ftpPort                   int
	sshHost, sshUser, sshPass string
	sshPort                   int
	sshKey                    string
}

func newRegistry() (*registry.Registry, error) {
	ftpMap := configmap.Mapper{}
	if connOpts.ftpHost != "" {
		ftpMap["host"] = connOpts.ftpHost
		ftpMap["port"] = fmt.Sprintf("%d", connOpts.ftpPort)
		ftpMap["user"] = connOpts.ftpUser
		ftpMap["pass"] = connOpts.ftpPass
	}
	sshMap := configmap.Mapper{}
	if connOpts.sshHost != "" {
		sshMap["host"] = connOpts.sshHost
		sshMap["port"] = fmt.Sprintf("%d", connOpts.sshPort)
		sshMap["user"] = connOpts.sshUser
		sshMap["pass"] = connOpts.sshPass
		sshMap["key_file"] = connOpts.sshKey
	}
	return bootstrap.NewRegistry(bootstrap.Options{FTP: ftpMap, SFTP: sshMap})
}

func resolve(reg *registry.Registry, raw string) (*uri.URI, corevfs.Backend, error) {
	u, err := uri.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	b, err := reg.Resolve(u.Scheme())
	if err != nil {
		return nil, nil, err
	}
	return u, b, nil
}

func main() {
	root := &cobra.Command{Use: "vfsctl", Short: "Drive a corevfs backend from the command line", SilenceUsage: true}
	pf := root.PersistentFlags()
	pf.StringVar(&connOpts.ftpHost, "ftp-host", "", "FTP backend host")
	pf.IntVar(&connOpts.ftpPort, "ftp-port", 21, "FTP backend port")
	pf.StringVar(&connOpts.ftpUser, "ftp-user", "", "FTP backend user")
	pf.StringVar(&connOpts.ftpPass, "ftp-pass", "", "FTP backend password")
	pf.StringVar(&connOpts.sshHost, "ssh-host", "", "SFTP backend host")
	pf.IntVar(&connOpts.sshPort, "ssh-port", 22, "SFTP backend port")
	pf.StringVar(&connOpts.sshUser, "ssh-user", "", "SFTP backend user")
	pf.StringVar(&connOpts.sshPass, "ssh-pass", "", "SFTP backend password")
	pf.StringVar(&connOpts.sshKey, "ssh-key", "", "SFTP backend private key file")

	root.AddCommand(lsCmd(), catCmd(), mkdirCmd(), rmCmd(), mvCmd())

	if err := root.Execute(); err != nil {
		vfslog.Errorf(context.Background(), "vfsctl: %v", err)
		os.Exit(1)
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <uri>",
		Short: "List a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			u, b, err := resolve(reg, args[0])
			if err != nil {
				return err
			}
			ctx := corevfs.NewOpContext()
			h, err := b.OpenDirectory(ctx, u, corevfs.InfoOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = b.CloseDirectory(ctx, h) }()
			for {
				fi, err := b.ReadDirectory(ctx, h)
				if corevfs.KindOf(err) == corevfs.KindEOF {
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), fi.Name)
			}
		},
	}
}

// catCmd streams a file's contents through the job engine rather than
// calling Read directly, the way a FUSE read handler or the original
// gnome-vfs's async read API would: one Job per open file, a streaming Op
// whose Exec loops Read/emit until EOF, delivered on the engine's single
// dispatch goroutine.
func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <uri>",
		Short: "Print a file's contents, read through the job engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			u, b, err := resolve(reg, args[0])
			if err != nil {
				return err
			}

			engine := job.NewEngine()
			j := engine.NewJob()
			ctx := job.NewOpContext()

			h, err := b.Open(ctx, u, corevfs.OpenRead)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close(ctx, h) }()

			out := cmd.OutOrStdout()
			var readErr error
			done := make(chan struct{})

			op := &job.Op{
				Kind:      job.KindRead,
				Ctx:       ctx,
				Streaming: true,
				Exec: func(opCtx *corevfs.OpContext, emit func(out any, err error) bool) (any, error) {
					buf := make([]byte, 32*1024)
					for {
						n, err := b.Read(opCtx, h, buf)
						if n > 0 {
							if !emit(append([]byte(nil), buf[:n]...), nil) {
								return nil, nil
							}
						}
						if err != nil {
							return nil, err
						}
					}
				},
				Callback: func(chunk any, err error) {
					if data, ok := chunk.([]byte); ok {
						_, _ = out.Write(data)
					}
					if err != nil && corevfs.KindOf(err) != corevfs.KindEOF && !errorsIsEOF(err) {
						readErr = err
					}
					if err != nil {
						close(done)
					}
				},
			}
			j.Submit(op)

			go engine.Run(done)
			<-done
			j.Close()
			return readErr
		},
	}
}

func errorsIsEOF(err error) bool { return err == io.EOF || corevfs.KindOf(err) == corevfs.KindEOF }

func mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <uri>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			u, b, err := resolve(reg, args[0])
			if err != nil {
				return err
			}
			return b.MakeDirectory(corevfs.NewOpContext(), u, 0o755)
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <uri>",
		Short: "Remove a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			u, b, err := resolve(reg, args[0])
			if err != nil {
				return err
			}
			return b.Unlink(corevfs.NewOpContext(), u)
		},
	}
}

func mvCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "mv <src-uri> <dst-uri>",
		Short: "Move or rename a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			src, b, err := resolve(reg, args[0])
			if err != nil {
				return err
			}
			dst, err := uri.Parse(args[1])
			if err != nil {
				return err
			}
			return b.Move(corevfs.NewOpContext(), src, dst, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace the destination if it exists")
	return cmd
}
