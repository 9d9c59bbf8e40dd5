package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dl/amictl/internal/gcq"
	"github.com/dl/amictl/internal/mmio"
	"github.com/dl/amictl/internal/program"
	"github.com/dl/amictl/internal/proto"
	"github.com/dl/amictl/internal/ring"
	"github.com/dl/amictl/internal/vsec"
)

// Queue geometry the host publishes. Slot sizes match the record sizes;
// sixteen slots is plenty for a strictly serialized caller.
const (
	numSlots   = 16
	sqSlotSize = proto.RequestSize
	cqSlotSize = proto.ResponseSize
)

// Session is one open producer endpoint: mapped window, published queue
// pair, running completion pump, and the operation driver on top.
type Session struct {
	Window *mmio.Window
	Inst   *gcq.Instance
	Prog   *program.Programmer
	Log    *log.Logger

	sub    *proto.Submitter
	unmap  func() error
	cancel context.CancelFunc
}

// OpenSession maps the selected device and publishes a fresh queue pair.
// The device-side consumer re-attaches to the new header.
func OpenSession(cfg Config, logger *log.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		w     *mmio.Window
		unmap func() error
		err   error
	)
	if cfg.WindowFile != "" {
		w, unmap, err = vsec.MapFile(cfg.WindowFile)
	} else {
		w, unmap, err = vsec.MapDevice(cfg.BDF)
	}
	if err != nil {
		return nil, err
	}

	inst, err := gcq.CreateProducer(w, gcq.Config{
		Interrupt:   gcq.IntrNone,
		RingBase:    vsec.RingBase,
		NumSlots:    numSlots,
		SQSlotSize:  sqSlotSize,
		CQSlotSize:  cqSlotSize,
		// Polling sessions keep both indices in shared memory: plain-file
		// windows have no registers that interrupt anyone.
		Flags:       ring.FlagInMemPtr,
		PayloadBase: vsec.PayloadBase,
		PayloadLen:  vsec.PayloadLen,
		UDID:        uuid.New(),
	})
	if err != nil {
		unmap()
		return nil, err
	}

	sub := proto.NewSubmitter(inst)
	ctx, cancel := context.WithCancel(context.Background())
	go sub.Pump(ctx)

	return &Session{
		Window: w,
		Inst:   inst,
		Prog:   program.New(sub, inst, w, logger),
		Log:    logger,
		sub:    sub,
		unmap:  unmap,
		cancel: cancel,
	}, nil
}

// Close tears the session down: the header is retracted so the device
// consumer sees the loss on its next check.
func (s *Session) Close() {
	st := s.sub.Stats()
	s.Log.Debug("session stats",
		"submitted", st.Submitted, "completed", st.Completed,
		"timeouts", st.Timeouts, "late_dropped", st.LateDropped,
		"unknown_dropped", st.UnknownDropped)
	s.cancel()
	s.Inst.Teardown()
	s.unmap()
}

// LogicUUID reads the device's published logic UUID straight from shared
// memory; usable before any queue traffic.
func (s *Session) LogicUUID() (uuid.UUID, error) {
	return vsec.LogicUUID(s.Window)
}

// openOutput resolves the -o option: stdout by default, a fresh file when
// given. Refuses to clobber an existing file.
func openOutput(cfg Config) (*os.File, func(), error) {
	if cfg.Output == "" {
		return os.Stdout, func() {}, nil
	}
	if _, err := os.Stat(cfg.Output); err == nil {
		return nil, nil, fmt.Errorf("output file %s already exists", cfg.Output)
	}
	f, err := os.Create(cfg.Output)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
