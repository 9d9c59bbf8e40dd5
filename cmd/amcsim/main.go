// amcsim runs the device-side command dispatcher over a plain file shared
// with amictl. Both processes mmap the same window; the transport runs in
// in-memory-pointer polling mode, exactly as it would on a platform without
// producer registers. Useful for exercising the full stack with no card.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dl/amictl/internal/dispatch"
	"github.com/dl/amictl/internal/eeprom"
	"github.com/dl/amictl/internal/flash"
	"github.com/dl/amictl/internal/fpt"
	"github.com/dl/amictl/internal/gcq"
	"github.com/dl/amictl/internal/proto"
	"github.com/dl/amictl/internal/vsec"
)

const (
	flashSize   = 32 << 20
	sectorSize  = 2048
	windowBytes = 0x20000
	pollEvery   = 500 * time.Microsecond
)

func main() {
	var (
		windowPath string
		uuidArg    string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "amcsim",
		Short:         "Simulated card firmware: consumes the sGCQ over a shared window file",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(windowPath, uuidArg, verbose)
		},
	}
	root.Flags().StringVar(&windowPath, "window", "amc.window", "shared window file")
	root.Flags().StringVar(&uuidArg, "uuid", "", "logic UUID to publish (random by default)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := root.Execute(); err != nil {
		log.Error("amcsim failed", "err", err)
		os.Exit(1)
	}
}

func run(windowPath, uuidArg string, verbose bool) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "amcsim"})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if err := ensureWindowFile(windowPath); err != nil {
		return err
	}
	w, unmap, err := vsec.MapFile(windowPath)
	if err != nil {
		return err
	}
	defer unmap()

	logicUUID := uuid.New()
	if uuidArg != "" {
		if logicUUID, err = uuid.Parse(uuidArg); err != nil {
			return err
		}
	}
	vsec.PublishLogicUUID(w, logicUUID)
	logger.Info("window ready", "path", windowPath, "logic_uuid", logicUUID.String())

	cfg := dispatch.Config{
		Banks:     [2]flash.Device{seededBank(), seededBank()},
		EEPROM:    seededEEPROM(),
		Modules:   dispatch.NewMemModules(),
		LogicUUID: logicUUID,
		FWVersion: 0x00010203,
		Logger:    logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Each amictl invocation publishes a fresh header; serve sessions until
	// interrupted.
	for {
		inst, err := gcq.AttachConsumer(ctx, w, gcq.Config{RingBase: vsec.RingBase,
			PayloadBase: vsec.PayloadBase, PayloadLen: vsec.PayloadLen},
			proto.RequestSize, proto.ResponseSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Info("producer attached", "slots", inst.Header().NumSlots)

		d := dispatch.New(inst, w, cfg)
		err = d.Run(ctx, pollEvery)
		switch {
		case errors.Is(err, dispatch.ErrSessionDown):
			logger.Info("session ended", "stats", d.Stats())
		case ctx.Err() != nil:
			logger.Info("shutting down", "stats", d.Stats())
			return nil
		case err != nil:
			return err
		}
	}
}

func ensureWindowFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(windowBytes)
}

// seededBank returns a flash device with a plausible four-partition table.
func seededBank() flash.Device {
	dev := flash.NewMem(flashSize, sectorSize)
	table, err := fpt.Build([]fpt.Entry{
		{Type: fpt.TypeFPT, Base: 0x00010000, Size: 0x00010000},
		{Type: fpt.TypePDI, Base: 0x00100000, Size: 0x00800000},
		{Type: fpt.TypePDI, Base: 0x00900000, Size: 0x00800000},
		{Type: fpt.TypeScratch, Base: 0x01100000, Size: 0x00400000},
	})
	if err != nil {
		panic(err)
	}
	if err := dev.Program(0, table); err != nil {
		panic(err)
	}
	return dev
}

// seededEEPROM builds a board image with manufacturing fields filled in.
func seededEEPROM() *eeprom.Device {
	bus := &eeprom.MemBus{DeviceID: 0x50}
	bus.Image[0] = byte(eeprom.V1_0)
	put := func(off int, s string) { copy(bus.Image[off:], s) }
	put(0x16, "SIM-ACCEL-CARD")
	put(0x27, "SN00000042")
	put(0x38, "SIM-PN-01")
	put(0x44, "A0")
	boardUUID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	copy(bus.Image[0x56:], boardUUID[:])
	bus.Image[0x7C] = 1
	copy(bus.Image[0x83:], []byte{0x00, 0x0A, 0x35, 0x00, 0x00, 0x01})
	eeprom.SealImage(&bus.Image)

	dev, err := eeprom.Attach(bus, eeprom.Config{ExpectedDeviceID: 0x50})
	if err != nil {
		panic(err)
	}
	return dev
}
