// Command axvm boots a Linux kernel under KVM with a virtio-blk disk and an
// optional virtio-net TAP link.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"
	"github.com/rs/zerolog"

	"github.com/gokvm/axvm/internal/config"
	"github.com/gokvm/axvm/internal/tapdev"
	"github.com/gokvm/axvm/internal/term"
	"github.com/gokvm/axvm/internal/vm"
)

// CLI is the full flag/argument surface, parsed by kong and copied into a
// config.VM.
type CLI struct {
	Memory     uint64 `kong:"short='m',default='256',help='guest memory size in MiB'"`
	VCPUs      int    `kong:"short='c',default='1',help='number of vCPUs (1-20)'"`
	Kernel     string `kong:"short='k',required,help='bzImage path'"`
	Disk       string `kong:"short='d',help='virtio-blk backing file path'"`
	Tap        string `kong:"short='t',help='tap interface name for virtio-net'"`
	CmdLine    string `kong:"short='p',help='kernel command line'"`
	ConfigFile string `kong:"name='config-file',help='optional YAML overlay applied after the flags above; values in the file replace them'"`
	Verbose    int    `kong:"short='v',type='counter',help='increase log verbosity (-v, -vv)'"`
	NoMetrics  bool   `kong:"help='suppress the final metrics snapshot log line'"`
	Profile    string `kong:"help='enable profiling: cpu, mem, or wall (fgprof)',enum='cpu,mem,wall,'"`
}

func main() {
	var cli CLI

	kong.Parse(&cli,
		kong.Name("axvm"),
		kong.Description("axvm runs a Linux guest under KVM with virtio-blk/net"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
	)

	if err := run(cli); err != nil {
		fmt.Fprintln(os.Stderr, "axvm:", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	log := newLogger(cli.Verbose)

	cfg := config.VM{
		MemoryMiB:  cli.Memory,
		VCPUCount:  cli.VCPUs,
		KernelPath: cli.Kernel,
		DiskPath:   cli.Disk,
		TapName:    cli.Tap,
		CmdLine:    cli.CmdLine,
		Verbosity:  cli.Verbose,
		NoMetrics:  cli.NoMetrics,
	}

	if cli.ConfigFile != "" {
		if err := config.LoadYAML(&cfg, cli.ConfigFile); err != nil {
			return err
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	stopProfile := startProfile(cli.Profile)
	defer stopProfile()

	var blkFile *blockFile

	if cfg.DiskPath != "" {
		f, err := os.OpenFile(cfg.DiskPath, os.O_RDWR, 0)
		if err != nil {
			return err
		}

		defer f.Close()

		blkFile = &blockFile{f}
	}

	var netLink *os.File

	if cfg.TapName != "" {
		f, err := tapdev.Open(cfg.TapName)
		if err != nil {
			return err
		}

		defer f.Close()

		netLink = f
	}

	machine, err := vm.New(cfg, blockFileArg(blkFile), netLinkArg(netLink), os.Stdout, log)
	if err != nil {
		return err
	}

	defer machine.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		log.Info().Msg("signal received, shutting down")
		machine.Shutdown()
	}()

	go bridgeStdin(machine, log)

	return machine.Run()
}

// bridgeStdin forwards host keystrokes to the guest's serial RBR, one byte
// at a time, for as long as stdin stays open. If stdin isn't a terminal
// (piped input, a service unit) it does nothing, matching spec.md's "raw
// mode arranged by the caller" wording: without a caller-arranged terminal
// there is no host-to-guest bridge to arrange.
func bridgeStdin(machine *vm.VM, log zerolog.Logger) {
	if !term.IsTerminal() {
		return
	}

	restore, err := term.SetRawMode()
	if err != nil {
		log.Warn().Err(err).Msg("could not set raw terminal mode, stdin bridge disabled")
		return
	}

	defer restore()

	buf := make([]byte, 1)

	for {
		n, err := os.Stdin.Read(buf)
		if n == 1 {
			machine.ConsolePush(buf[0])
		}

		if err != nil {
			return
		}
	}
}

func newLogger(verbosity int) zerolog.Logger {
	level := zerolog.InfoLevel

	switch {
	case verbosity >= 2:
		level = zerolog.TraceLevel
	case verbosity == 1:
		level = zerolog.DebugLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func startProfile(mode string) func() {
	switch mode {
	case "cpu":
		p := profile.Start(profile.CPUProfile, profile.ProfilePath("."))
		return p.Stop
	case "mem":
		p := profile.Start(profile.MemProfile, profile.ProfilePath("."))
		return p.Stop
	case "wall":
		return startFgprof()
	default:
		return func() {}
	}
}

// blockFile adapts *os.File to vm's virtioBlockFile interface, which needs
// Size() in addition to the os.File methods it already has.
type blockFile struct {
	*os.File
}

func (b *blockFile) Size() (int64, error) {
	fi, err := b.Stat()
	if err != nil {
		return 0, err
	}

	return fi.Size(), nil
}

// blockFileArg returns a properly-nil interface when f is nil, avoiding the
// typed-nil-in-interface trap that a bare *blockFile argument would hit.
func blockFileArg(f *blockFile) interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() (int64, error)
} {
	if f == nil {
		return nil
	}

	return f
}

// netLinkArg mirrors blockFileArg for the optional tap device.
func netLinkArg(f *os.File) io.ReadWriter {
	if f == nil {
		return nil
	}

	return f
}
