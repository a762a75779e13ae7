package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/gaby/cloudpfs/internal/fsck"
	"github.com/gaby/cloudpfs/internal/fusefs"
	"github.com/gaby/cloudpfs/internal/metadata"
	"github.com/gaby/cloudpfs/internal/storage"

	// driver registry, selected by URL scheme
	_ "github.com/gaby/cloudpfs/internal/remote/local"
	_ "github.com/gaby/cloudpfs/internal/remote/pan"
)

const urlUsage = "scheme://[[user[:password]@]host][/path]"

func main() {
	app := &cli.App{
		Name:  "cloudpfs",
		Usage: "mount a remote object store as a POSIX filesystem",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
			&cli.BoolFlag{Name: "log-full", Usage: "log with timestamps and levels"},
		},
		Commands: []*cli.Command{
			mountCommand(),
			mkfsCommand(),
			fsckCommand(),
			editCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			cli.HandleExitCoder(exitErr)
		}
		logrus.Fatal(err)
	}
}

func setupLogger(c *cli.Context) *logrus.Logger {
	log := logrus.New()
	if c.Bool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}
	if c.Bool("log-full") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// openBackend builds the driver named by the URL argument and wraps it
// in a storage coordinator.
func openBackend(c *cli.Context, log *logrus.Logger) (storage.Backend, error) {
	rawurl := c.Args().Get(0)
	if rawurl == "" {
		return nil, fmt.Errorf("missing url argument (%s)", urlUsage)
	}
	drv, err := storage.OpenURL(rawurl, c.String("options"), log)
	if err != nil {
		return nil, err
	}
	return storage.NewCoordinator(drv, log), nil
}

func mountCommand() *cli.Command {
	return &cli.Command{
		Name:      "mount",
		Usage:     "mount the filesystem",
		ArgsUsage: urlUsage + " <mountpoint>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "options", Aliases: []string{"o"}, Usage: "comma-separated mount options"},
			&cli.BoolFlag{Name: "allow-other", Usage: "allow access by other users"},
			&cli.BoolFlag{Name: "read-only", Usage: "mount read-only"},
		},
		Action: runMount,
	}
}

func runMount(c *cli.Context) error {
	log := setupLogger(c)
	mountpoint := c.Args().Get(1)
	if mountpoint == "" {
		return fmt.Errorf("missing mountpoint argument")
	}

	be, err := openBackend(c, log)
	if err != nil {
		return err
	}
	defer be.Destroy()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meta, err := metadata.Load(ctx, be, log)
	if err != nil {
		return err
	}
	defer meta.Close()

	m, err := fusefs.Start(ctx, fusefs.MountOptions{
		Mountpoint: mountpoint,
		AllowOther: c.Bool("allow-other"),
		ReadOnly:   c.Bool("read-only"),
	}, fusefs.NewFS(meta, be, log), log)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Wait(); err != nil {
		log.WithError(err).Warn("serve loop ended with error")
	}
	stop()

	// write the metadata image back before the uploader drains
	dump, err := meta.Dump()
	if err != nil {
		return err
	}
	if err := metadata.Store(context.Background(), be, dump); err != nil {
		return err
	}
	if err := be.Destroy(); err != nil {
		return err
	}
	log.Info("filesystem unmounted")
	return nil
}

func mkfsCommand() *cli.Command {
	return &cli.Command{
		Name:      "mkfs",
		Usage:     "create an empty filesystem on the remote store",
		ArgsUsage: urlUsage,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "options", Aliases: []string{"o"}, Usage: "comma-separated mount options"},
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing filesystem"},
		},
		Action: runMkfs,
	}
}

func runMkfs(c *cli.Context) error {
	log := setupLogger(c)
	be, err := openBackend(c, log)
	if err != nil {
		return err
	}
	defer be.Destroy()
	ctx := context.Background()

	if !c.Bool("force") {
		if err := be.Open(ctx, metadata.BlobName, -1); err == nil {
			if size, err := be.Size(metadata.BlobName); err == nil && size > 0 {
				return fmt.Errorf("filesystem already exists, use --force to overwrite")
			}
		}
	}

	db, err := metadata.Create(os.Getuid(), os.Getgid(), log)
	if err != nil {
		return err
	}
	defer db.Close()
	dump, err := db.Dump()
	if err != nil {
		return err
	}
	be.Create(metadata.BlobName)
	if err := metadata.Store(ctx, be, dump); err != nil {
		return err
	}
	if err := be.Destroy(); err != nil {
		return err
	}
	log.Info("filesystem created")
	return nil
}

func fsckCommand() *cli.Command {
	return &cli.Command{
		Name:      "fsck",
		Usage:     "check and repair the metadata database",
		ArgsUsage: urlUsage,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "options", Aliases: []string{"o"}, Usage: "comma-separated mount options"},
			&cli.BoolFlag{Name: "test", Aliases: []string{"t"}, Usage: "report errors without fixing them"},
		},
		Action: runFsck,
	}
}

func runFsck(c *cli.Context) error {
	log := setupLogger(c)
	be, err := openBackend(c, log)
	if err != nil {
		return err
	}
	defer be.Destroy()
	ctx := context.Background()

	db, err := metadata.Load(ctx, be, log)
	if err != nil {
		return err
	}
	defer db.Close()

	code, err := fsck.Run(ctx, db, c.Bool("test"), log)
	if err != nil {
		return err
	}
	if code == fsck.ExitFixed && !c.Bool("test") {
		dump, err := db.Dump()
		if err != nil {
			return err
		}
		if err := metadata.Store(ctx, be, dump); err != nil {
			return err
		}
		if err := be.Destroy(); err != nil {
			return err
		}
	}
	if code != fsck.ExitClean {
		return cli.Exit("", code)
	}
	return nil
}

func editCommand() *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "open the metadata database in sqlitebrowser and store it back",
		ArgsUsage: urlUsage,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "options", Aliases: []string{"o"}, Usage: "comma-separated mount options"},
			&cli.StringFlag{Name: "browser", Value: "sqlitebrowser", Usage: "database browser binary"},
		},
		Action: runEdit,
	}
}

func runEdit(c *cli.Context) error {
	log := setupLogger(c)
	be, err := openBackend(c, log)
	if err != nil {
		return err
	}
	defer be.Destroy()
	ctx := context.Background()

	db, err := metadata.Load(ctx, be, log)
	if err != nil {
		return err
	}
	defer db.Close()

	cmd := exec.Command(c.String("browser"), db.Path())
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", c.String("browser"), err)
	}

	dump, err := db.Dump()
	if err != nil {
		return err
	}
	if err := metadata.Store(ctx, be, dump); err != nil {
		return err
	}
	return be.Destroy()
}
