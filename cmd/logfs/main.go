// Command logfs manages a journaled data log kept on a flash image.
//
// EDUCATIONAL NOTES:
// ------------------
// The flash device is either an image file (--image) or a remote device
// reached over HTTP (--remote, served by "logfs flash-serve"). Every
// command opens the log, which recovers its write position from the
// journal, does its work and exits. "logfs serve" keeps the log open
// behind the web interface.
//
// Global flags can also be set from LOGFS_* environment variables.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/cabewaldrop/logfs/internal/flash"
	"github.com/cabewaldrop/logfs/internal/logfs"
	"github.com/cabewaldrop/logfs/internal/logging"
)

const version = "0.3.0"

// Globals are the flags shared by every command.
type Globals struct {
	Image        string `help:"Flash image file." default:"logfs.img" env:"LOGFS_IMAGE" type:"path"`
	Remote       string `help:"URL of a remote flash endpoint; overrides --image." env:"LOGFS_REMOTE"`
	FlashStart   uint32 `help:"First flash address." default:"0" env:"LOGFS_FLASH_START"`
	Size         uint32 `help:"Flash size in bytes." default:"131072" env:"LOGFS_SIZE"`
	PageSize     uint32 `help:"Erase page size in bytes." default:"1024" env:"LOGFS_PAGE_SIZE"`
	JournalPages int    `help:"Pages reserved for the journal." default:"4" env:"LOGFS_JOURNAL_PAGES"`
	FullErase    bool   `help:"Erase every data page when formatting." env:"LOGFS_FULL_ERASE"`
	LogLevel     string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"LOGFS_LOG_LEVEL"`
	LogFormat    string `help:"Log format." default:"text" enum:"text,json" env:"LOGFS_LOG_FORMAT"`

	out    io.Writer
	logger *slog.Logger
}

// CLI defines the command-line interface for logfs.
type CLI struct {
	Globals

	Format     FormatCmd     `cmd:"" help:"Format the log, discarding its contents"`
	Info       InfoCmd       `cmd:"" help:"Show layout, usage and schema"`
	Append     AppendCmd     `cmd:"" help:"Append free text"`
	Row        RowCmd        `cmd:"" help:"Log one row of key=value pairs"`
	Export     ExportCmd     `cmd:"" help:"Export the log as CSV, HTML or SQLite"`
	Invalidate InvalidateCmd `cmd:"" help:"Mark the log for reformatting"`
	Serve      ServeCmd      `cmd:"" help:"Serve the log over HTTP"`
	FlashServe FlashServeCmd `cmd:"" name:"flash-serve" help:"Serve the flash image to remote clients"`
	Version    VersionCmd    `cmd:"" help:"Print version information"`
}

// openStore opens the flash device named by the flags. The returned
// close function is never nil.
func (g *Globals) openStore() (flash.Store, func() error, error) {
	if g.Remote != "" {
		store, err := flash.DialRemote(g.Remote, flash.WithRemoteLogger(g.logger))
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	}

	store, err := flash.OpenFileStore(g.Image, g.FlashStart, g.Size, g.PageSize)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// config builds the log configuration from the flags.
func (g *Globals) config() logfs.Config {
	cfg := logfs.DefaultConfig()
	cfg.JournalPages = g.JournalPages
	cfg.FullEraseByDefault = g.FullErase
	cfg.Logger = g.logger
	// A host has no meaningful boot time; timestamps count from the epoch.
	cfg.Clock = func() time.Duration { return time.Duration(time.Now().UnixMilli()) * time.Millisecond }
	cfg.OnEvent = func(e logfs.Event) {
		fmt.Fprintf(os.Stderr, "logfs: %s\n", e)
	}
	return cfg
}

// withLog opens the store and the log, runs fn and closes the store.
func (g *Globals) withLog(cfg logfs.Config, fn func(*logfs.LogFS) error) error {
	store, closeStore, err := g.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	l, err := logfs.New(store, cfg)
	if err != nil {
		return err
	}
	return fn(l)
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.out, "logfs version %s (on-flash format %q)\n", version, strings.TrimSpace(logfs.Version))
	return nil
}

func newParser(cli *CLI, out io.Writer, opts ...kong.Option) (*kong.Kong, error) {
	cli.out = out
	opts = append([]kong.Option{
		kong.Name("logfs"),
		kong.Description("Journaled data log on NOR flash"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Bind(&cli.Globals),
	}, opts...)
	return kong.New(cli, opts...)
}

// setup configures logging once the flags are parsed.
func (g *Globals) setup() {
	logging.InitLogger(os.Stderr, logging.ParseLevel(g.LogLevel), logging.ParseFormat(g.LogFormat))
	g.logger = logging.Component("logfs")
}

func main() {
	var cli CLI
	parser, err := newParser(&cli, os.Stdout)
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	cli.setup()
	ctx.FatalIfErrorf(ctx.Run())
}
