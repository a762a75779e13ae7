package fusefs

import (
	"context"
	"errors"
	"os"
	"strconv"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/text/unicode/norm"

	"github.com/gaby/cloudpfs/internal/fragment"
	"github.com/gaby/cloudpfs/internal/metadata"
	"github.com/gaby/cloudpfs/internal/register"
	"github.com/gaby/cloudpfs/internal/storage"
)

const (
	attrValidity = time.Second
	blockSize    = 4096

	// file handle id space, kernel-style small integers
	handleLo = 0
	handleHi = 1023
)

// FS glues the metadata database and the blob backend together.
type FS struct {
	meta    *metadata.DB
	store   storage.Backend
	log     *logrus.Logger
	handles *register.Register[*handle]
}

func NewFS(meta *metadata.DB, store storage.Backend, log *logrus.Logger) *FS {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FS{
		meta:    meta,
		store:   store,
		log:     log,
		handles: register.New[*handle](handleLo, handleHi),
	}
}

func (f *FS) Root() (fs.Node, error) {
	return &Dir{node{fs: f, inode: metadata.RootInode}}, nil
}

func (f *FS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	used, total, err := f.store.Statfs(ctx)
	if err != nil {
		return toErrno(err)
	}
	resp.Bsize = blockSize
	resp.Frsize = blockSize
	resp.Blocks = total / blockSize
	resp.Bfree = (total - used) / blockSize
	resp.Bavail = resp.Bfree
	return nil
}

var _ fs.FS = (*FS)(nil)
var _ fs.FSStatfser = (*FS)(nil)

// blobName maps an inode to the backing blob. Inode 0 never exists, so
// the reserved metadata blob name "0" cannot collide.
func blobName(inode uint64) string {
	return strconv.FormatUint(inode, 10)
}

// entryName normalizes a directory entry name the way it is stored.
func entryName(name string) []byte {
	return norm.NFC.Bytes([]byte(name))
}

// toErrno maps internal errors onto POSIX error numbers.
func toErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, metadata.ErrNoEntry):
		return fuse.ENOENT
	case errors.Is(err, fragment.ErrInvalidArgument):
		return fuse.Errno(syscall.EINVAL)
	case errors.Is(err, fragment.ErrBadFetch),
		errors.Is(err, storage.ErrNoSuchBlob):
		return fuse.EIO
	case errors.Is(err, unix.ENOTEMPTY):
		return fuse.Errno(syscall.ENOTEMPTY)
	default:
		return fuse.EIO
	}
}

// node is the state shared by every filesystem object.
type node struct {
	fs    *FS
	inode uint64
}

func fileMode(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0o777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		m |= os.ModeDir
	case unix.S_IFLNK:
		m |= os.ModeSymlink
	case unix.S_IFIFO:
		m |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		m |= os.ModeSocket
	case unix.S_IFBLK:
		m |= os.ModeDevice
	case unix.S_IFCHR:
		m |= os.ModeDevice | os.ModeCharDevice
	}
	if mode&unix.S_ISUID != 0 {
		m |= os.ModeSetuid
	}
	if mode&unix.S_ISGID != 0 {
		m |= os.ModeSetgid
	}
	if mode&unix.S_ISVTX != 0 {
		m |= os.ModeSticky
	}
	return m
}

func (n *node) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := n.fs.meta.GetAttr(ctx, n.inode)
	if err != nil {
		return toErrno(err)
	}
	a.Valid = attrValidity
	a.Inode = attr.Inode
	a.Size = uint64(attr.Size)
	a.Blocks = (uint64(attr.Size) + 511) / 512
	a.Atime = attr.Atime
	a.Ctime = attr.Ctime
	a.Mtime = attr.Mtime
	a.Mode = fileMode(attr.Mode)
	a.Nlink = attr.Nlink
	a.Uid = attr.UID
	a.Gid = attr.GID
	a.Rdev = attr.Rdev
	a.BlockSize = blockSize
	return nil
}

// mkNode wraps an attr row in the right node type.
func (n *node) mkNode(attr *metadata.Attr) fs.Node {
	child := node{fs: n.fs, inode: attr.Inode}
	switch {
	case attr.IsDir():
		return &Dir{child}
	case attr.IsSymlink():
		return &Symlink{child}
	default:
		return &File{child}
	}
}

func (n *node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	attr, err := n.fs.meta.GetAttr(ctx, n.inode)
	if err != nil {
		return toErrno(err)
	}
	if req.Valid.Size() {
		name := blobName(n.inode)
		if err := n.fs.store.Open(ctx, name, attr.Size); err != nil {
			return toErrno(err)
		}
		if err := n.fs.store.Truncate(name, int64(req.Size)); err != nil {
			return toErrno(err)
		}
		attr.Size = int64(req.Size)
	}
	if req.Valid.Mode() {
		attr.Mode = attr.Mode&unix.S_IFMT | uint32(req.Mode.Perm())
	}
	if req.Valid.Uid() {
		attr.UID = req.Uid
	}
	if req.Valid.Gid() {
		attr.GID = req.Gid
	}
	if req.Valid.Atime() {
		attr.Atime = req.Atime
	}
	if req.Valid.Mtime() {
		attr.Mtime = req.Mtime
	}
	attr.Ctime = time.Now()
	if err := n.fs.meta.SetAttr(ctx, attr); err != nil {
		return toErrno(err)
	}
	return n.Attr(ctx, &resp.Attr)
}

func (n *node) Getxattr(ctx context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	v, err := n.fs.meta.GetXattr(ctx, n.inode, []byte(req.Name))
	if errors.Is(err, metadata.ErrNoEntry) {
		return fuse.ErrNoXattr
	}
	if err != nil {
		return toErrno(err)
	}
	resp.Xattr = v
	return nil
}

func (n *node) Setxattr(ctx context.Context, req *fuse.SetxattrRequest) error {
	return toErrno(n.fs.meta.SetXattr(ctx, n.inode, []byte(req.Name), req.Xattr))
}

func (n *node) Listxattr(ctx context.Context, req *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	keys, err := n.fs.meta.ListXattrs(ctx, n.inode)
	if err != nil {
		return toErrno(err)
	}
	for _, k := range keys {
		resp.Append(string(k))
	}
	return nil
}

func (n *node) Removexattr(ctx context.Context, req *fuse.RemovexattrRequest) error {
	err := n.fs.meta.RemoveXattr(ctx, n.inode, []byte(req.Name))
	if errors.Is(err, metadata.ErrNoEntry) {
		return fuse.ErrNoXattr
	}
	return toErrno(err)
}

// Dir is a directory node.
type Dir struct{ node }

var _ fs.Node = (*Dir)(nil)
var _ fs.NodeStringLookuper = (*Dir)(nil)
var _ fs.HandleReadDirAller = (*Dir)(nil)
var _ fs.NodeCreater = (*Dir)(nil)
var _ fs.NodeMkdirer = (*Dir)(nil)
var _ fs.NodeRemover = (*Dir)(nil)
var _ fs.NodeRenamer = (*Dir)(nil)
var _ fs.NodeSymlinker = (*Dir)(nil)
var _ fs.NodeLinker = (*Dir)(nil)
var _ fs.NodeSetattrer = (*Dir)(nil)
var _ fs.NodeGetxattrer = (*Dir)(nil)
var _ fs.NodeSetxattrer = (*Dir)(nil)
var _ fs.NodeListxattrer = (*Dir)(nil)
var _ fs.NodeRemovexattrer = (*Dir)(nil)

func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	attr, err := d.fs.meta.Lookup(ctx, d.inode, entryName(name))
	if err != nil {
		return nil, toErrno(err)
	}
	return d.mkNode(attr), nil
}

func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := d.fs.meta.ReadDir(ctx, d.inode)
	if err != nil {
		return nil, toErrno(err)
	}
	out := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		de := fuse.Dirent{Inode: e.Inode, Name: string(e.Name)}
		switch e.Mode & unix.S_IFMT {
		case unix.S_IFDIR:
			de.Type = fuse.DT_Dir
		case unix.S_IFLNK:
			de.Type = fuse.DT_Link
		default:
			de.Type = fuse.DT_File
		}
		out = append(out, de)
	}
	return out, nil
}

func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	attr, err := d.fs.meta.Mknod(ctx, d.inode, entryName(req.Name),
		unix.S_IFREG|uint32(req.Mode.Perm()), req.Uid, req.Gid, 0)
	if err != nil {
		return nil, nil, toErrno(err)
	}
	name := blobName(attr.Inode)
	d.fs.store.Create(name)
	if err := d.fs.store.Open(ctx, name, -1); err != nil {
		return nil, nil, toErrno(err)
	}
	child := d.mkNode(attr).(*File)
	return child, child.newHandle(), nil
}

func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	attr, err := d.fs.meta.Mknod(ctx, d.inode, entryName(req.Name),
		unix.S_IFDIR|uint32(req.Mode.Perm()), req.Uid, req.Gid, 0)
	if err != nil {
		return nil, toErrno(err)
	}
	return d.mkNode(attr), nil
}

func (d *Dir) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fs.Node, error) {
	attr, err := d.fs.meta.Symlink(ctx, d.inode, entryName(req.NewName),
		[]byte(req.Target), req.Uid, req.Gid)
	if err != nil {
		return nil, toErrno(err)
	}
	return d.mkNode(attr), nil
}

func (d *Dir) Link(ctx context.Context, req *fuse.LinkRequest, old fs.Node) (fs.Node, error) {
	oldFile, ok := old.(*File)
	if !ok {
		return nil, fuse.EPERM
	}
	attr, err := d.fs.meta.Link(ctx, d.inode, entryName(req.NewName), oldFile.inode)
	if err != nil {
		return nil, toErrno(err)
	}
	return d.mkNode(attr), nil
}

func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	name := entryName(req.Name)
	if req.Dir {
		return toErrno(d.fs.meta.Rmdir(ctx, d.inode, name))
	}
	attr, err := d.fs.meta.Lookup(ctx, d.inode, name)
	if err != nil {
		return toErrno(err)
	}
	inode, orphaned, err := d.fs.meta.Unlink(ctx, d.inode, name)
	if err != nil {
		return toErrno(err)
	}
	if orphaned && !attr.IsSymlink() {
		blob := blobName(inode)
		if err := d.fs.store.Open(ctx, blob, attr.Size); err != nil {
			return toErrno(err)
		}
		if err := d.fs.store.Remove(ctx, blob); err != nil {
			d.fs.log.WithError(err).WithField("blob", blob).Warn("blob delete failed")
		}
	}
	return nil
}

func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	nd, ok := newDir.(*Dir)
	if !ok {
		return fuse.Errno(syscall.ENOTDIR)
	}
	return toErrno(d.fs.meta.Rename(ctx, d.inode, entryName(req.OldName),
		nd.inode, entryName(req.NewName)))
}

// File is a regular file node.
type File struct{ node }

var _ fs.Node = (*File)(nil)
var _ fs.NodeOpener = (*File)(nil)
var _ fs.NodeFsyncer = (*File)(nil)
var _ fs.NodeSetattrer = (*File)(nil)
var _ fs.NodeGetxattrer = (*File)(nil)
var _ fs.NodeSetxattrer = (*File)(nil)
var _ fs.NodeListxattrer = (*File)(nil)
var _ fs.NodeRemovexattrer = (*File)(nil)

func (f *File) newHandle() *handle {
	h := &handle{file: f}
	h.id = f.fs.handles.Acquire(h)
	return h
}

func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	attr, err := f.fs.meta.GetAttr(ctx, f.inode)
	if err != nil {
		return nil, toErrno(err)
	}
	if err := f.fs.store.Open(ctx, blobName(f.inode), attr.Size); err != nil {
		return nil, toErrno(err)
	}
	return f.newHandle(), nil
}

func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return toErrno(f.fs.store.Flush(blobName(f.inode)))
}

// Symlink is a symbolic link node.
type Symlink struct{ node }

var _ fs.Node = (*Symlink)(nil)
var _ fs.NodeReadlinker = (*Symlink)(nil)

func (s *Symlink) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	target, err := s.fs.meta.Readlink(ctx, s.inode)
	if err != nil {
		return "", toErrno(err)
	}
	return string(target), nil
}

// handle is one open file description. Its id comes from the bounded
// register, which caps the number of simultaneously open handles.
type handle struct {
	file *File
	id   int
}

var _ fs.Handle = (*handle)(nil)
var _ fs.HandleReader = (*handle)(nil)
var _ fs.HandleWriter = (*handle)(nil)
var _ fs.HandleFlusher = (*handle)(nil)
var _ fs.HandleReleaser = (*handle)(nil)

func (h *handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	data, err := h.file.fs.store.Read(ctx, blobName(h.file.inode), req.Offset, int64(req.Size))
	if err != nil {
		return toErrno(err)
	}
	resp.Data = data
	return nil
}

func (h *handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	name := blobName(h.file.inode)
	n, err := h.file.fs.store.Write(name, req.Offset, req.Data)
	if err != nil {
		return toErrno(err)
	}
	size, err := h.file.fs.store.Size(name)
	if err != nil {
		return toErrno(err)
	}
	if err := h.file.fs.meta.SetSize(ctx, h.file.inode, size); err != nil {
		return toErrno(err)
	}
	resp.Size = n
	return nil
}

func (h *handle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return toErrno(h.file.fs.store.Flush(blobName(h.file.inode)))
}

func (h *handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	defer h.file.fs.handles.Release(h.id)
	return toErrno(h.file.fs.store.Close(ctx, blobName(h.file.inode)))
}
