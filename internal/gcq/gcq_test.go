package gcq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dl/amictl/internal/mmio"
	"github.com/dl/amictl/internal/ring"
)

func testConfig() Config {
	return Config{
		Interrupt:  IntrNone,
		RingBase:   0x0,
		NumSlots:   4,
		SQSlotSize: 64,
		CQSlotSize: 48,
		Flags:      ring.FlagInMemPtr,
	}
}

func TestCreateAndAttach(t *testing.T) {
	w := mmio.NewWindow(0x1000, 0x10000)

	prod, err := CreateProducer(w, testConfig())
	if err != nil {
		t.Fatalf("CreateProducer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cons, err := AttachConsumer(ctx, w, Config{RingBase: 0x0}, 64, 48)
	if err != nil {
		t.Fatalf("AttachConsumer: %v", err)
	}

	if cons.Header() != prod.Header() {
		t.Errorf("consumer header %+v != producer header %+v", cons.Header(), prod.Header())
	}
	if cons.Flags()&ring.FlagInMemPtr == 0 {
		t.Error("consumer did not negotiate the in-memory-pointer feature")
	}
}

func TestAttachIdempotent(t *testing.T) {
	// Property 7: attaching twice to an unchanged header yields identical
	// configuration.
	w := mmio.NewWindow(0x1000, 0x10000)
	if _, err := CreateProducer(w, testConfig()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	a, err := AttachConsumer(ctx, w, Config{RingBase: 0x0}, 64, 48)
	if err != nil {
		t.Fatal(err)
	}
	b, err := AttachConsumer(ctx, w, Config{RingBase: 0x0}, 64, 48)
	if err != nil {
		t.Fatal(err)
	}
	if a.Header() != b.Header() || a.Flags() != b.Flags() {
		t.Errorf("repeat attach differs: %+v vs %+v", a.Header(), b.Header())
	}
}

func TestAttachPeerNotReady(t *testing.T) {
	w := mmio.NewWindow(0x1000, 0x10000)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := AttachConsumer(ctx, w, Config{RingBase: 0x0}, 64, 48)
	if !errors.Is(err, ErrPeerNotReady) {
		t.Fatalf("AttachConsumer on empty window: %v, want ErrPeerNotReady", err)
	}
}

func TestAttachIncompatibleSlotSizes(t *testing.T) {
	w := mmio.NewWindow(0x1000, 0x10000)
	cfg := testConfig()
	cfg.SQSlotSize = 64
	if _, err := CreateProducer(w, cfg); err != nil {
		t.Fatal(err)
	}

	_, err := AttachConsumer(context.Background(), w, Config{RingBase: 0x0}, 128, 48)
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("AttachConsumer requiring 128-byte slots: %v, want ErrIncompatible", err)
	}
}

func TestTeardownDetected(t *testing.T) {
	w := mmio.NewWindow(0x1000, 0x10000)
	prod, err := CreateProducer(w, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	cons, err := AttachConsumer(context.Background(), w, Config{RingBase: 0x0}, 64, 48)
	if err != nil {
		t.Fatal(err)
	}

	if !cons.Alive() {
		t.Fatal("consumer dead before teardown")
	}
	prod.Teardown()
	if cons.Alive() {
		t.Error("consumer still alive after producer teardown")
	}
}

func TestManualSignal(t *testing.T) {
	w := mmio.NewWindow(0x1000, 0x10000)
	var trigs int
	w.SetRegWriteHook(func(off uint64, v uint32) {
		if off == regIntrTrig && v&intrTrigBit != 0 {
			trigs++
		}
	})

	cfg := testConfig()
	cfg.Interrupt = IntrManual
	prod, err := CreateProducer(w, cfg)
	if err != nil {
		t.Fatal(err)
	}

	prod.Signal()
	prod.Signal()
	if trigs != 2 {
		t.Errorf("manual triggers = %d, want 2", trigs)
	}

	// Polling mode never rings the doorbell.
	cfgNone := testConfig()
	prodNone, err := CreateProducer(w, cfgNone)
	if err != nil {
		t.Fatal(err)
	}
	prodNone.Signal()
	if trigs != 2 {
		t.Errorf("signal in polling mode rang the doorbell")
	}
}

func TestRegisterModeBinding(t *testing.T) {
	// Without in-memory pointers the produced counters publish through the
	// register file.
	w := mmio.NewWindow(0x1000, 0x10000)
	cfg := testConfig()
	cfg.Flags = 0
	prod, err := CreateProducer(w, cfg)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := prod.SQ().ReserveProduce()
	if err != nil {
		t.Fatal(err)
	}
	prod.SQ().CopyToSlot(addr, make([]byte, 64))
	prod.SQ().CommitProduce()

	if got := w.RegRead32(RegSQProduced); got != 1 {
		t.Errorf("SQ produced register = %d, want 1", got)
	}
}
