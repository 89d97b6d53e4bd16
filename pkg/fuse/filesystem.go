// Package fuse mounts a replica's stores as a read-only filesystem:
// one directory per store and one <id>.json file per live document.
package fuse

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"lens/pkg/errs"
)

const (
	dirMode  = 0555
	fileMode = 0444

	// DefaultCacheTTL is how long listings are served from memory.
	DefaultCacheTTL = 5 * time.Second
)

var (
	_ fs.NodeReaddirer = (*RootNode)(nil)
	_ fs.NodeLookuper  = (*RootNode)(nil)
	_ fs.NodeGetattrer = (*RootNode)(nil)
	_ fs.NodeReaddirer = (*storeDir)(nil)
	_ fs.NodeLookuper  = (*storeDir)(nil)
	_ fs.NodeGetattrer = (*storeDir)(nil)
	_ fs.NodeGetattrer = (*documentFile)(nil)
	_ fs.NodeOpener    = (*documentFile)(nil)
	_ fs.NodeReader    = (*documentFile)(nil)
)

// RootNode lists the replica's stores.
type RootNode struct {
	fs.Inode
	catalog *Catalog
	logger  *zap.Logger
}

// NewRootNode creates the root of the filesystem.
func NewRootNode(catalog *Catalog, logger *zap.Logger) *RootNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RootNode{catalog: catalog, logger: logger}
}

// OnAdd is called when the root is attached to the mount.
func (r *RootNode) OnAdd(ctx context.Context) {
	r.logger.Info("FUSE filesystem mounted")
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setDirAttr(&out.Attr)
	out.SetTimeout(time.Second)
	return 0
}

func (r *RootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := r.catalog.Stores(ctx)
	if err != nil {
		r.logger.Error("Failed to list stores", zap.Error(err))
		return nil, toErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: syscall.S_IFDIR})
	}
	return fs.NewListDirStream(entries), 0
}

func (r *RootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ok, err := r.catalog.HasStore(ctx, name)
	if err != nil {
		r.logger.Debug("Lookup failed", zap.String("store", name), zap.Error(err))
		return nil, toErrno(err)
	}
	if !ok {
		return nil, syscall.ENOENT
	}
	setDirAttr(&out.Attr)
	out.SetEntryTimeout(time.Second)
	child := &storeDir{name: name, catalog: r.catalog, logger: r.logger}
	return r.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// storeDir lists one store's documents.
type storeDir struct {
	fs.Inode
	name    string
	catalog *Catalog
	logger  *zap.Logger
}

func (d *storeDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setDirAttr(&out.Attr)
	out.SetTimeout(time.Second)
	return 0
}

func (d *storeDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	files, err := d.catalog.Entries(ctx, d.name)
	if err != nil {
		d.logger.Error("Failed to list store", zap.String("store", d.name), zap.Error(err))
		return nil, toErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, fuse.DirEntry{Name: f.Name, Mode: syscall.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

func (d *storeDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	entry, err := d.catalog.Lookup(ctx, d.name, name)
	if err != nil {
		return nil, toErrno(err)
	}
	setFileAttr(&out.Attr, entry.Size)
	out.SetEntryTimeout(time.Second)
	child := &documentFile{content: entry.Content}
	return d.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG}), 0
}

// documentFile is a rendered snapshot of one document.
type documentFile struct {
	fs.Inode
	content []byte
}

func (f *documentFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setFileAttr(&out.Attr, len(f.content))
	out.SetTimeout(time.Second)
	return 0
}

func (f *documentFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_APPEND|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *documentFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return fuse.ReadResultData(readAt(f.content, dest, off)), 0
}

func readAt(content, dest []byte, off int64) []byte {
	if off >= int64(len(content)) {
		return nil
	}
	end := off + int64(len(dest))
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return content[off:end]
}

func setDirAttr(a *fuse.Attr) {
	a.Mode = syscall.S_IFDIR | dirMode
	a.Nlink = 2
	a.Uid = uint32(os.Getuid())
	a.Gid = uint32(os.Getgid())
}

func setFileAttr(a *fuse.Attr, size int) {
	a.Mode = syscall.S_IFREG | fileMode
	a.Size = uint64(size)
	a.Nlink = 1
	a.Uid = uint32(os.Getuid())
	a.Gid = uint32(os.Getgid())
}

func toErrno(err error) syscall.Errno {
	switch {
	case errs.IsCode(err, errs.CodeNotFound):
		return syscall.ENOENT
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

// Mount mounts a read-only view of src at mountpoint. The caller waits on
// the returned server and unmounts it.
func Mount(mountpoint string, src Source, logger *zap.Logger) (*fuse.Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Second
	root := NewRootNode(NewCatalog(src, DefaultCacheTTL), logger)
	return fs.Mount(mountpoint, root, &fs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			FsName:  "lens",
			Name:    "lens",
			Options: []string{"ro"},
			Debug:   logger.Core().Enabled(zap.DebugLevel),
		},
	})
}
