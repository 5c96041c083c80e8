// Package remote implements the remote process's entry point: argv
// parsing, device-factory registration, and wiring the link, dispatcher,
// device registry, and machine state together before running the event
// loop to completion.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"github.com/bobuhiro11/remotedev/device"
	"github.com/bobuhiro11/remotedev/dispatch"
	"github.com/bobuhiro11/remotedev/link"
	"github.com/bobuhiro11/remotedev/machinestate"
	"github.com/bobuhiro11/remotedev/migration"
	"github.com/bobuhiro11/remotedev/stubdevice"
)

// CLI is the kong command model for `remote <control-fd> <mmio-fd>
// [device-options...]`. Device options are collected by kong as trailing
// positional arguments and checked against the built-in driver names
// before the link is constructed, so every driver they name is available
// before the first DEV_OPTS frame arrives.
type CLI struct {
	ControlFD int `arg:"" name:"control-fd" help:"pre-opened control channel socket fd"`
	MMIOFD    int `arg:"" name:"mmio-fd" help:"pre-opened MMIO channel socket fd"`

	DeviceOptions []string `arg:"" optional:"" name:"device-options" help:"built-in driver names that must be available before accepting DEV_OPTS"`

	Profile bool `help:"wrap the event loop in a pkg/profile CPU profile"`
}

// registerBuiltinFactories installs the device drivers this build ships
// with. Each DeviceOptions name from argv must be one of those built-in
// drivers; it registers nothing further. Unrecognized names are rejected at
// bootstrap rather than silently ignored at first use.
func registerBuiltinFactories(factories *device.FactoryRegistry, requested []string) error {
	factories.Register("stub", device.FactoryFunc(stubdevice.Factory))

	known := map[string]bool{"stub": true}

	for _, name := range requested {
		if !known[name] {
			return fmt.Errorf("remote: unknown device-options driver %q", name)
		}
	}

	return nil
}

// Main parses argv, wires the link and dispatcher, and runs the event
// loop until the peer hangs up or a fatal error tears the link down. It
// returns 0 on a clean loop exit and a negative errno-like code on
// bootstrap failure, per the CLI surface's exit-code contract.
func Main(argv []string) int {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var cli CLI

	parser, err := kong.New(&cli,
		kong.Name("remote"),
		kong.Description("out-of-process PCI device emulator"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}))
	if err != nil {
		log.Error("bootstrap: kong.New", "error", err)

		return -int(syscall.EINVAL)
	}

	if _, err := parser.Parse(argv); err != nil {
		log.Error("bootstrap: parse args", "error", err)

		return -int(syscall.EINVAL)
	}

	if cli.ControlFD < 0 || cli.MMIOFD < 0 {
		log.Error("bootstrap: fds must be non-negative", "control-fd", cli.ControlFD, "mmio-fd", cli.MMIOFD)

		return -int(syscall.EBADF)
	}

	if cli.Profile {
		defer profile.Start(profile.CPUProfile).Stop()
	}

	com := link.NewChannel(cli.ControlFD)
	mmio := link.NewChannel(cli.MMIOFD)

	reg := device.NewRegistry()
	factories := device.NewFactoryRegistry()

	if err := registerBuiltinFactories(factories, cli.DeviceOptions); err != nil {
		log.Error("bootstrap: register factories", "error", err)

		return -int(syscall.EINVAL)
	}

	machine := machinestate.New()
	migrator := migration.NewEncoder(reg)
	disp := dispatch.New(reg, factories, machine, migrator, log)

	l, err := link.New(com, mmio, disp.Handle, log)
	if err != nil {
		log.Error("bootstrap: link.New", "error", err)

		return -int(syscall.EBADF)
	}

	if err := l.Run(context.Background()); err != nil {
		log.Error("remote: event loop", "error", err)

		return -int(syscall.EIO)
	}

	return 0
}
