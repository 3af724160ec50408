package vmxcap

import (
	"testing"

	"vmxcore/hwbackend"
)

func TestReadAssertsMandatoryFeatures(t *testing.T) {
	backend := hwbackend.NewFakeBackend()
	vmFD, err := backend.CreateVM()
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	vcpuFD, _, err := backend.CreateVCPU(vmFD)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	caps, err := Read(backend, vcpuFD)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !caps.MemTypeWB {
		t.Error("expected write-back memory type")
	}
	if !caps.EPTPresent {
		t.Error("expected EPT present")
	}
	if !caps.SecondaryCtls {
		t.Error("expected secondary controls present")
	}
	if !caps.CR4VMXESetable {
		t.Error("expected CR4.VMXE settable")
	}
}

func TestReadFailsWithoutEPT(t *testing.T) {
	backend := hwbackend.NewFakeBackend()
	vmFD, _ := backend.CreateVM()
	vcpuFD, _, _ := backend.CreateVCPU(vmFD)

	backend.SetMSR(hwbackend.MSRIA32VMXProcbasedCtls2, 0)
	if _, err := Read(backend, vcpuFD); err == nil {
		t.Fatal("expected Read to fail when EPT is unavailable")
	}
}

func TestControlPairMinimal(t *testing.T) {
	c := ControlPair{May0: 0b0001, May1: 0b1111}
	got := c.Minimal(0b1010)
	want := uint32(0b1011)
	if got != want {
		t.Errorf("Minimal() = %#b, want %#b", got, want)
	}
}

func TestInitialControlsCarryMandatedAndWantedBits(t *testing.T) {
	backend := hwbackend.NewFakeBackend()
	vmFD, _ := backend.CreateVM()
	vcpuFD, _, _ := backend.CreateVCPU(vmFD)
	caps, err := Read(backend, vcpuFD)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	init := caps.InitialControls()
	if miss := caps.PinBased.May0 &^ init.PinBased; miss != 0 {
		t.Errorf("pin-based seed missing mandated bits %#x", miss)
	}
	if miss := caps.ProcBased.May0 &^ init.ProcBased; miss != 0 {
		t.Errorf("proc-based seed missing mandated bits %#x", miss)
	}
	if init.PinBased&pinNMIExiting == 0 || init.PinBased&pinVirtualNMIs == 0 {
		t.Errorf("pin-based seed %#x lacks NMI exiting / virtual NMIs", init.PinBased)
	}
	if init.ProcBased&procBasedSecondaryBit == 0 {
		t.Errorf("proc-based seed %#x lacks secondary-controls activation", init.ProcBased)
	}
	if init.ProcBased2&procBased2EnableEPTBit == 0 {
		t.Errorf("secondary seed %#x lacks EPT enable", init.ProcBased2)
	}
	if init.EntryCtls&entryLoadEFERBit == 0 || init.ExitCtls&exitSaveEFERBit == 0 {
		t.Errorf("entry/exit seeds lack the EFER auto-load/save controls")
	}
	// A wanted bit the processor forbids must be masked out.
	capped := *caps
	capped.PinBased.May1 &^= pinVirtualNMIs
	if capped.InitialControls().PinBased&pinVirtualNMIs != 0 {
		t.Errorf("seed carries a bit May1 forbids")
	}
}

func TestAssertEqualDetectsMismatch(t *testing.T) {
	bsp := &Capabilities{RevisionID: 1, PinBased: ControlPair{May0: 1}}
	ap := &Capabilities{RevisionID: 2, PinBased: ControlPair{May0: 1}}
	if err := bsp.AssertEqual(ap); err == nil {
		t.Fatal("expected revision id mismatch to be detected")
	}

	ap.RevisionID = 1
	if err := bsp.AssertEqual(ap); err != nil {
		t.Fatalf("expected equal snapshots to pass, got %v", err)
	}
}
