package sriov

import (
	"errors"
	"fmt"
	"testing"

	"sriov-emu/pkg/pci"
)

type fakeVF struct {
	rid       pci.RoutingID
	destroyed *[]pci.RoutingID
}

func (f *fakeVF) RoutingID() pci.RoutingID { return f.rid }

func (f *fakeVF) Destroy() { *f.destroyed = append(*f.destroyed, f.rid) }

func igbConfig() Config {
	return Config{TotalVFs: 8, VFOffset: 0x80, VFStride: 2}
}

func newTestManager(t *testing.T, failAt int) (*Manager, *[]pci.RoutingID) {
	t.Helper()
	var destroyed []pci.RoutingID
	factory := func(i int, rid pci.RoutingID) (VF, error) {
		if i == failAt {
			return nil, fmt.Errorf("injected failure")
		}
		return &fakeVF{rid: rid, destroyed: &destroyed}, nil
	}
	m, err := NewManager(pci.NewRoutingID(1, 0, 0), igbConfig(), factory)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, &destroyed
}

func TestNewManager(t *testing.T) {
	ok := func(int, pci.RoutingID) (VF, error) { return nil, nil }

	tests := []struct {
		name    string
		pf      pci.RoutingID
		cfg     Config
		factory Factory
		wantErr error
	}{
		{"igb geometry", 0x100, igbConfig(), ok, nil},
		{"single VF without stride", 0x100, Config{TotalVFs: 1, VFOffset: 1}, ok, nil},
		{"zero total", 0x100, Config{VFOffset: 1, VFStride: 1}, ok, ErrFunctionLimitExceeded},
		{"initial above total", 0x100, Config{TotalVFs: 2, InitialVFs: 3, VFOffset: 1, VFStride: 1}, ok, ErrFunctionLimitExceeded},
		{"last VF overflows", 0xFF80, igbConfig(), ok, ErrRoutingIDOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.pf, tt.cfg, tt.factory)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("NewManager() unexpected error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewManager() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := NewManager(0x100, Config{TotalVFs: 2, VFStride: 1}, ok); err == nil {
		t.Error("NewManager() accepted a zero VF offset")
	}
	if _, err := NewManager(0x100, Config{TotalVFs: 2, VFOffset: 1}, ok); err == nil {
		t.Error("NewManager() accepted a zero stride with several VFs")
	}
	if _, err := NewManager(0x100, igbConfig(), nil); err == nil {
		t.Error("NewManager() accepted a nil factory")
	}
}

func TestEnableAssignsRoutingIDs(t *testing.T) {
	m, _ := newTestManager(t, -1)

	if err := m.Enable(8); err != nil {
		t.Fatalf("Enable(8) error = %v", err)
	}
	if m.NumVFs() != 8 {
		t.Fatalf("NumVFs() = %d, want 8", m.NumVFs())
	}

	pf := pci.NewRoutingID(1, 0, 0)
	for i, vf := range m.Handles() {
		want := pf + pci.RoutingID(0x80+2*i)
		if vf.RoutingID() != want {
			t.Errorf("VF%d routing ID = %s, want %s", i, vf.RoutingID(), want)
		}
		q, err := m.Query(i)
		if err != nil || q != vf {
			t.Errorf("Query(%d) = %v, %v; want handle %d", i, q, err, i)
		}
	}
}

func TestEnableLimits(t *testing.T) {
	m, _ := newTestManager(t, -1)

	for _, n := range []int{0, -1, 9} {
		if err := m.Enable(n); !errors.Is(err, ErrFunctionLimitExceeded) {
			t.Errorf("Enable(%d) error = %v, want ErrFunctionLimitExceeded", n, err)
		}
	}
	if m.NumVFs() != 0 {
		t.Errorf("NumVFs() = %d after rejected enables", m.NumVFs())
	}

	if err := m.Enable(4); err != nil {
		t.Fatalf("Enable(4) error = %v", err)
	}
	if err := m.Enable(4); err != nil {
		t.Errorf("Enable(4) again error = %v, want no-op", err)
	}
	if err := m.Enable(2); !errors.Is(err, ErrAlreadyEnabled) {
		t.Errorf("Enable(2) error = %v, want ErrAlreadyEnabled", err)
	}
	if m.NumVFs() != 4 {
		t.Errorf("NumVFs() = %d, want 4", m.NumVFs())
	}
}

func TestEnableRollsBackOnFactoryError(t *testing.T) {
	m, destroyed := newTestManager(t, 3)

	if err := m.Enable(5); err == nil {
		t.Fatal("Enable(5) succeeded with a failing factory")
	}
	if m.NumVFs() != 0 {
		t.Errorf("NumVFs() = %d, want 0 after rollback", m.NumVFs())
	}
	if len(*destroyed) != 3 {
		t.Fatalf("destroyed %d VFs, want 3", len(*destroyed))
	}
	if (*destroyed)[0] != m.RoutingID(2) {
		t.Errorf("first destroyed = %s, want %s", (*destroyed)[0], m.RoutingID(2))
	}
}

func TestDisable(t *testing.T) {
	m, destroyed := newTestManager(t, -1)

	// disabling an empty group does nothing
	m.Disable()
	if len(*destroyed) != 0 {
		t.Fatalf("Disable() on empty group destroyed %d VFs", len(*destroyed))
	}

	if err := m.Enable(3); err != nil {
		t.Fatalf("Enable(3) error = %v", err)
	}
	m.Disable()

	if m.NumVFs() != 0 {
		t.Errorf("NumVFs() = %d after Disable", m.NumVFs())
	}
	want := []pci.RoutingID{m.RoutingID(2), m.RoutingID(1), m.RoutingID(0)}
	if len(*destroyed) != len(want) {
		t.Fatalf("destroyed %v, want %v", *destroyed, want)
	}
	for i := range want {
		if (*destroyed)[i] != want[i] {
			t.Errorf("destroy order %v, want %v", *destroyed, want)
			break
		}
	}

	if _, err := m.Query(0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Query(0) error = %v, want ErrNotFound", err)
	}

	// a different count is accepted once disabled
	if err := m.Enable(8); err != nil {
		t.Errorf("Enable(8) after Disable error = %v", err)
	}
}

func TestQueryOutOfRange(t *testing.T) {
	m, _ := newTestManager(t, -1)
	if err := m.Enable(2); err != nil {
		t.Fatalf("Enable(2) error = %v", err)
	}
	for _, i := range []int{-1, 2, 7} {
		if _, err := m.Query(i); !errors.Is(err, ErrNotFound) {
			t.Errorf("Query(%d) error = %v, want ErrNotFound", i, err)
		}
	}
}
