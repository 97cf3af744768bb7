package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ulikunitz/xz"

	"github.com/cabewaldrop/logfs/internal/export"
	"github.com/cabewaldrop/logfs/internal/logfs"
	"github.com/cabewaldrop/logfs/internal/rowspec"
	"github.com/cabewaldrop/logfs/internal/web"
)

// FormatCmd formats the log.
type FormatCmd struct {
	Full bool `help:"Erase every data page, not just the first."`
}

func (c *FormatCmd) Run(g *Globals) error {
	return g.withLog(g.config(), func(l *logfs.LogFS) error {
		if err := l.Clear(c.Full || g.FullErase); err != nil {
			return err
		}
		fmt.Fprintln(g.out, "log formatted")
		return nil
	})
}

// InfoCmd prints the layout, usage and schema of the log.
type InfoCmd struct {
	JSON bool `help:"Print as JSON." name:"json"`
}

type info struct {
	logfs.Status
	Used     uint32   `json:"used"`
	Capacity uint32   `json:"capacity"`
	Headings []string `json:"headings"`
	Digest   string   `json:"digest"`
}

func (c *InfoCmd) Run(g *Globals) error {
	return g.withLog(g.config(), func(l *logfs.LogFS) error {
		st, err := l.Status()
		if err != nil {
			return err
		}
		headings, err := l.Headings()
		if err != nil {
			return err
		}
		snap, err := l.Export(logfs.FormatCSV)
		if err != nil {
			return err
		}
		digest, err := export.Digest(snap.Reader())
		if err != nil {
			return err
		}

		in := info{Status: st, Used: st.Used(), Capacity: st.Capacity(), Headings: headings, Digest: digest}
		if c.JSON {
			enc := json.NewEncoder(g.out)
			enc.SetIndent("", "  ")
			return enc.Encode(in)
		}

		tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "used\t%d of %d bytes\n", in.Used, in.Capacity)
		fmt.Fprintf(tw, "full\t%t\n", st.Full)
		fmt.Fprintf(tw, "columns\t%s\n", strings.Join(headings, ", "))
		fmt.Fprintf(tw, "data\t0x%08X - 0x%08X (end 0x%08X)\n", st.DataStart, st.DataEnd, st.LogEnd)
		fmt.Fprintf(tw, "journal\t0x%08X (head 0x%08X)\n", st.JournalStart, st.JournalHead)
		fmt.Fprintf(tw, "blake3\t%s\n", digest)
		return tw.Flush()
	})
}

// AppendCmd appends free text.
type AppendCmd struct {
	Text []string `arg:"" help:"Text to append; joined with spaces."`
	Raw  bool     `help:"Do not add a trailing newline."`
}

func (c *AppendCmd) Run(g *Globals) error {
	text := strings.Join(c.Text, " ")
	if !c.Raw {
		text += "\n"
	}
	return g.withLog(g.config(), func(l *logfs.LogFS) error {
		return l.LogString(text)
	})
}

// RowCmd logs one row.
type RowCmd struct {
	Pairs     []string `arg:"" help:"key=value pairs; quote values with spaces."`
	TimeStamp string   `help:"Timestamp column: none, milliseconds, seconds, minutes, hours or days." name:"timestamp" default:"none"`
}

func (c *RowCmd) Run(g *Globals) error {
	pairs, err := rowspec.Parse(strings.Join(c.Pairs, " "))
	if err != nil {
		return err
	}
	format, err := logfs.ParseTimeStampFormat(c.TimeStamp)
	if err != nil {
		return err
	}

	return g.withLog(g.config(), func(l *logfs.LogFS) error {
		if err := l.SetTimeStamp(format); err != nil {
			return err
		}
		return rowspec.Apply(l, pairs)
	})
}

// ExportCmd writes an export of the log.
type ExportCmd struct {
	Format string `help:"Export format." default:"csv" enum:"csv,html,html-header,sqlite"`
	Output string `help:"Output file; standard output if empty. Required for sqlite." short:"o" type:"path"`
	XZ     bool   `help:"Compress the output with xz." name:"xz"`
	Table  string `help:"Table name for sqlite exports." default:"log"`
}

func (c *ExportCmd) Run(g *Globals) error {
	if c.Format == "sqlite" {
		if c.Output == "" {
			return fmt.Errorf("--output is required for sqlite exports")
		}
		return g.withLog(g.config(), func(l *logfs.LogFS) error {
			snap, err := l.Export(logfs.FormatCSV)
			if err != nil {
				return err
			}
			table, err := export.Decode(snap.Reader())
			if err != nil {
				return err
			}
			return export.WriteSQLite(context.Background(), c.Output, c.Table, table)
		})
	}

	format, err := logfs.ParseFormat(c.Format)
	if err != nil {
		return err
	}

	return g.withLog(g.config(), func(l *logfs.LogFS) error {
		snap, err := l.Export(format)
		if err != nil {
			return err
		}

		out := g.out
		if c.Output != "" {
			f, err := os.Create(c.Output)
			if err != nil {
				return fmt.Errorf("create %s: %w", c.Output, err)
			}
			defer f.Close()
			out = f
		}
		return writeExport(out, snap.Reader(), c.XZ)
	})
}

func writeExport(w io.Writer, r io.Reader, compress bool) error {
	if !compress {
		_, err := io.Copy(w, r)
		return err
	}

	zw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("xz writer: %w", err)
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// InvalidateCmd marks the log for reformatting.
type InvalidateCmd struct{}

func (c *InvalidateCmd) Run(g *Globals) error {
	return g.withLog(g.config(), func(l *logfs.LogFS) error {
		if err := l.Invalidate(); err != nil {
			return err
		}
		fmt.Fprintln(g.out, "log invalidated")
		return nil
	})
}

// ServeCmd serves the log over HTTP.
type ServeCmd struct {
	Listen string `help:"Listen address." default:":8080" env:"LOGFS_LISTEN"`
	Mirror bool   `help:"Mirror appended lines to websocket clients on /ws."`
}

func (c *ServeCmd) Run(g *Globals) error {
	store, closeStore, err := g.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	hub := web.NewHub(g.logger)
	cfg := g.config()
	cfg.Mirror = hub
	cfg.OnEvent = hub.Event

	l, err := logfs.New(store, cfg)
	if err != nil {
		return err
	}
	l.SetSerialMirroring(c.Mirror)

	return web.NewServer(c.Listen, l, hub, g.logger).Run(context.Background())
}

// FlashServeCmd serves the flash image over the framed protocol only.
type FlashServeCmd struct {
	Listen string `help:"Listen address." default:":8081" env:"LOGFS_FLASH_LISTEN"`
}

func (c *FlashServeCmd) Run(g *Globals) error {
	if g.Remote != "" {
		return fmt.Errorf("flash-serve needs a local --image")
	}
	store, closeStore, err := g.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	srv := web.NewServer(c.Listen, nil, nil, g.logger)
	srv.MountFlash(store)
	return srv.Run(context.Background())
}
