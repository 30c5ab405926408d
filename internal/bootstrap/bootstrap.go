// Package bootstrap wires the concrete backends into a registry.Registry,
// shared by cmd/vfsd and cmd/vfsctl the way the teacher's cmd/cmd.go
// centralises flag-to-Fs construction for every rclone subcommand.
package bootstrap

import (
	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/backend/ftp"
	"github.com/vfscore/corevfs/backend/local"
	"github.com/vfscore/corevfs/backend/sftp"
	"github.com/vfscore/corevfs/backend/vfolder"
	"github.com/vfscore/corevfs/internal/configmap"
	"github.com/vfscore/corevfs/registry"
)

// Options collects the flags cmd/vfsd and cmd/vfsctl both expose for
// constructing backends on demand.
type Options struct {
	FTP     configmap.Mapper
	SFTP    configmap.Mapper
	Vfolder *vfolder.Config
}

// NewRegistry returns a Registry with every backend this module ships
// registered under its scheme: "file" unconditionally, "ftp"/"ssh" lazily
// via the options given, and "vfolder" only if opt.Vfolder is set.
func NewRegistry(opt Options) (*registry.Registry, error) {
	reg := registry.New()

	reg.Register("file", func(string) (corevfs.Backend, error) {
		return local.NewBackend(configmap.Mapper{})
	})
	reg.Register("ftp", func(string) (corevfs.Backend, error) {
		return ftp.NewBackend(opt.FTP)
	})
	reg.Register("ssh", func(string) (corevfs.Backend, error) {
		return sftp.NewBackend(opt.SFTP)
	})
	if opt.Vfolder != nil {
		cfg := *opt.Vfolder
		reg.Register("vfolder", func(string) (corevfs.Backend, error) {
			return vfolder.NewBackend(cfg)
		})
	}
	return reg, nil
}
