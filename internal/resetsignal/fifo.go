package resetsignal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"syscall"

	"github.com/mohammed-shakir/lethe-lb/internal/core/observability"
	mylog "github.com/mohammed-shakir/lethe-lb/internal/logger"
)

const SourceFIFO = "fifo"

// MaxLine bounds one control message. Longer lines are drained and ignored.
const MaxLine = 4096

// Listen feeds every line of r to d until r is exhausted, ctx is done or a
// reset fails.
func Listen(ctx context.Context, r io.Reader, source string, d *Dispatcher) error {
	br := bufio.NewReaderSize(r, MaxLine)
	for ctx.Err() == nil {
		line, isPrefix, err := br.ReadLine()
		if isPrefix {
			// over-long line: skip the rest of it
			for isPrefix && err == nil {
				_, isPrefix, err = br.ReadLine()
			}
			observability.ObserveResetSignal(source, ResultIgnored)
			d.log.DebugContext(mylog.WithSource(ctx, source), "dropped over-long control line")
		} else if err == nil {
			if _, herr := d.Handle(ctx, source, line); herr != nil {
				return herr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", source, err)
		}
	}
	return nil
}

// FIFOListener reads reset signals from a named pipe. Writers may come and
// go; the pipe is reopened after each one closes.
type FIFOListener struct {
	path string
	d    *Dispatcher
	log  *slog.Logger
}

func NewFIFOListener(path string, d *Dispatcher, log *slog.Logger) *FIFOListener {
	if log == nil {
		log = slog.Default()
	}
	return &FIFOListener{path: path, d: d, log: log}
}

func (l *FIFOListener) Path() string { return l.path }

// ensure creates the pipe when it does not exist yet.
func (l *FIFOListener) ensure() error {
	st, err := os.Stat(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := syscall.Mkfifo(l.path, 0o600); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("mkfifo %s: %w", l.path, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat %s: %w", l.path, err)
	case st.Mode()&fs.ModeNamedPipe == 0:
		return fmt.Errorf("%s exists and is not a named pipe", l.path)
	}
	return nil
}

// Run blocks until ctx is done. It returns an error when the pipe cannot be
// opened or a reset fails.
func (l *FIFOListener) Run(ctx context.Context) error {
	if err := l.ensure(); err != nil {
		return err
	}
	l.log.Info("reset fifo listening", "path", l.path)

	for ctx.Err() == nil {
		// O_RDWR keeps the open from blocking while no writer is attached.
		f, err := os.OpenFile(l.path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("open %s: %w", l.path, err)
		}
		stop := context.AfterFunc(ctx, func() { _ = f.Close() })
		err = Listen(ctx, f, SourceFIFO, l.d)
		stop()
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	l.log.Info("reset fifo stopped", "path", l.path)
	return nil
}
